package tool

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/henryperkins/tarot-sub003/internal/upstream"
)

const maxNoteLen = 4000

// SaveNoteSpec declares the journaling tool to the generation service.
func SaveNoteSpec() upstream.ToolSpec {
	return upstream.ToolSpec{
		Type:        "function",
		Name:        "save_note",
		Description: "Save a short journal note attached to the current reading.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"text": map[string]interface{}{
					"type":        "string",
					"description": "The note body to persist.",
				},
			},
			"required": []string{"text"},
		},
	}
}

// SaveNote persists a journal note row for the turn's owner and reading.
func SaveNote(db *sql.DB) Func {
	return func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
		text, _ := args["text"].(string)
		text = strings.TrimSpace(text)
		if text == "" {
			return nil, fmt.Errorf("text required")
		}
		if len(text) > maxNoteLen {
			text = text[:maxNoteLen]
		}

		tc, ok := TurnFromContext(ctx)
		if !ok {
			return nil, fmt.Errorf("no turn context")
		}

		id := uuid.NewString()
		if _, err := db.ExecContext(ctx, `
INSERT INTO notes (id, owner_id, resource_key, body, created_at_ns)
VALUES (?, ?, ?, ?, ?);
`, id, tc.OwnerID, tc.ResourceKey, text, time.Now().UnixNano()); err != nil {
			return nil, err
		}

		return map[string]interface{}{"note_id": id}, nil
	}
}
