package coordinator

import (
	"bufio"
	"strings"

	"github.com/treesync/core/internal/types"
)

// rawFrame is one parsed SSE frame before its data payload is decoded into
// a types.Event.
type rawFrame struct {
	id    string
	event string
	data  string
}

// scanSSE reads r line by line and calls onFrame for each complete frame,
// until the scanner hits EOF or an error. Adapted directly from the
// donor's ConnectSSE line-accumulation loop (id:/event:/data: prefix
// handling, blank line as frame boundary), generalized to a callback
// instead of a channel so the caller can interleave it with select-driven
// state transitions.
func scanSSE(scanner *bufio.Scanner, onFrame func(rawFrame) (stop bool)) error {
	var id, event, data string
	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			if data != "" || event != "" {
				if onFrame(rawFrame{id: id, event: event, data: data}) {
					return nil
				}
			}
			id, event, data = "", "", ""
			continue
		}
		switch {
		case strings.HasPrefix(line, "id:"):
			id = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			chunk := strings.TrimPrefix(line, "data:")
			chunk = strings.TrimPrefix(chunk, " ")
			if data != "" {
				data += "\n" + chunk
			} else {
				data = chunk
			}
		default:
			// comment line (":...") or unknown field; ignore
		}
	}
	return scanner.Err()
}

// eventTypeOf maps a raw SSE "event:" line to the domain EventType. The
// broker always sets event: to the Event.Type value, so this is an
// identity conversion kept as its own function for the one place it's
// validated.
func eventTypeOf(raw string) types.EventType {
	return types.EventType(raw)
}
