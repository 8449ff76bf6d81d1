package docker

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/pkg/jsonmessage"
)

type streamResult struct {
	ImageID string
	Digest  string
}

// streamAux covers the aux payloads of build (ID) and push (Tag, Digest, Size).
type streamAux struct {
	ID     string `json:"ID"`
	Digest string `json:"Digest"`
}

func streamError(msg jsonmessage.JSONMessage) error {
	if msg.Error != nil && strings.TrimSpace(msg.Error.Message) != "" {
		return msg.Error
	}
	// Older daemons set only "error".
	if text := strings.TrimSpace(msg.ErrorMessage); text != "" {
		return errors.New(text)
	}
	return nil
}

func render(msg jsonmessage.JSONMessage) string {
	if msg.Stream != "" {
		return strings.TrimRight(msg.Stream, "\n")
	}
	if msg.Status == "" {
		return ""
	}
	parts := make([]string, 0, 3)
	if id := strings.TrimSpace(msg.ID); id != "" {
		parts = append(parts, id)
	}
	parts = append(parts, strings.TrimSpace(msg.Status))
	if msg.Progress != nil && msg.Progress.Total > 0 {
		parts = append(parts, fmt.Sprintf("%d/%d", msg.Progress.Current, msg.Progress.Total))
	}
	return strings.Join(parts, " ")
}

// decodeStream drains r, forwarding rendered lines to onOutput, and fails on
// the first error message in the stream.
func decodeStream(r io.Reader, onOutput OutputCallback) (streamResult, error) {
	var result streamResult
	decoder := json.NewDecoder(r)
	for {
		var msg jsonmessage.JSONMessage
		if err := decoder.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return result, nil
			}
			return result, fmt.Errorf("decode progress stream: %w", err)
		}

		if err := streamError(msg); err != nil {
			return result, err
		}

		if msg.Aux != nil {
			var aux streamAux
			if err := json.Unmarshal(*msg.Aux, &aux); err == nil {
				if aux.ID != "" {
					result.ImageID = aux.ID
				}
				if aux.Digest != "" {
					result.Digest = aux.Digest
				}
			}
		}

		if line := render(msg); line != "" && onOutput != nil {
			onOutput(line)
		}
	}
}
