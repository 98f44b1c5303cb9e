package amc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// encodeCommand serializes an outgoing command. The session token, when
// held, is attached to every command; unset optional fields are omitted.
func encodeCommand(cmd Command, token string) ([]byte, error) {
	if token != "" {
		cmd.Token = token
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to encode command %s: %v", cmd.Command, err)
	}
	return payload, nil
}

// decodeFrame parses one incoming text frame into a typed Response. It also
// returns the frame bytes actually decoded, which differ from the input when
// the server delivers a bare getStates payload that had to be re-wrapped.
func decodeFrame(data []byte) (Response, []byte, error) {
	data = normalizeFrame(data)

	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return Response{}, nil, decodeError(err)
	}
	if resp.Command == "" {
		return Response{}, nil, decodeError(fmt.Errorf("frame has no command discriminator"))
	}
	return resp, data, nil
}

// normalizeFrame works around a server quirk: a getStates success reply is
// sometimes delivered as a bare {centralID: {...}} object without the
// command envelope. Detected by the absence of a command key plus a
// statusID field inside the leading central object, and re-wrapped as a
// regular getStates/ok envelope.
func normalizeFrame(data []byte) []byte {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return data
	}
	if _, ok := top["command"]; ok {
		return data
	}
	if len(top) == 0 {
		return data
	}
	for _, raw := range top {
		var central struct {
			StatusID *int `json:"statusID"`
		}
		if err := json.Unmarshal(raw, &central); err != nil || central.StatusID == nil {
			return data
		}
	}

	var buf bytes.Buffer
	buf.WriteString(`{"command":"getStates","status":"ok","centrals":`)
	buf.Write(data)
	buf.WriteString(`}`)
	return buf.Bytes()
}

// decodeSection decodes one raw section of a central's data list into the
// generic entry-list shape. Sections with other shapes (users,
// notifications) have their own decoders.
func decodeSection(raw json.RawMessage) (Section, error) {
	var s Section
	if err := json.Unmarshal(raw, &s); err != nil {
		return Section{}, decodeError(err)
	}
	return s, nil
}

// sectionIndex extracts just the index of a raw section, so sections can be
// routed to the right decoder without fully parsing them.
func sectionIndex(raw json.RawMessage) (int, error) {
	var s struct {
		Index int `json:"index"`
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, decodeError(err)
	}
	return s.Index, nil
}

// decodeNotifications decodes the central-wide notification feed section.
func decodeNotifications(raw json.RawMessage) ([]NotificationEntry, error) {
	var s struct {
		Index int                 `json:"index"`
		List  []NotificationEntry `json:"list"`
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, decodeError(err)
	}
	return s.List, nil
}

// decodeUsers decodes the users section: a PIN-keyed map instead of a list.
func decodeUsers(raw json.RawMessage) (map[string]UserEntry, error) {
	var s struct {
		Index int                  `json:"index"`
		Users map[string]UserEntry `json:"users"`
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, decodeError(err)
	}
	return s.Users, nil
}
