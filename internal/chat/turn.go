package chat

import (
	"strings"

	"github.com/MrWong99/chati/pkg/provider/llm"
)

// Role identifies the author of a [Turn].
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Part is one piece of a turn's content. Only text parts reach the model;
// parts without text (attachments, stickers) are carried for display.
type Part struct {
	Text string
}

// Turn is a single message in a chat history.
type Turn struct {
	Role  Role
	Parts []Part
}

// UserTurn returns a user turn holding a single text part.
func UserTurn(text string) Turn {
	return Turn{Role: RoleUser, Parts: []Part{{Text: text}}}
}

// ModelTurn returns a model turn holding a single text part.
func ModelTurn(text string) Turn {
	return Turn{Role: RoleModel, Parts: []Part{{Text: text}}}
}

// Text joins the text parts of the turn with newlines. It returns the empty
// string for a turn without any non-blank text.
func (t Turn) Text() string {
	var texts []string
	for _, p := range t.Parts {
		if strings.TrimSpace(p.Text) != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// toMessages converts a history to provider messages. Turns without text are
// skipped.
func toMessages(history []Turn) []llm.Message {
	msgs := make([]llm.Message, 0, len(history))
	for _, t := range history {
		text := t.Text()
		if text == "" {
			continue
		}
		role := llm.RoleUser
		if t.Role == RoleModel {
			role = llm.RoleAssistant
		}
		msgs = append(msgs, llm.Message{Role: role, Content: text})
	}
	return msgs
}

// trimToBudget drops the oldest messages until count reports at most budget
// tokens. The last message is always kept. A non-positive budget disables
// trimming, as does a counting error.
func trimToBudget(msgs []llm.Message, budget int, count func([]llm.Message) (int, error)) ([]llm.Message, error) {
	if budget <= 0 {
		return msgs, nil
	}
	for len(msgs) > 1 {
		n, err := count(msgs)
		if err != nil {
			return msgs, err
		}
		if n <= budget {
			break
		}
		msgs = msgs[1:]
	}
	return msgs, nil
}
