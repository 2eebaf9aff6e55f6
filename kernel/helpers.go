package kernel

import (
	"encoding/json"

	"github.com/jupyter-go/kernel-client/protocol"
)

func unmarshalContent(msg *protocol.Message, v any) error {
	return json.Unmarshal(msg.Content, v)
}
