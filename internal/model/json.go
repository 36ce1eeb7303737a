package model

import (
	"encoding/json"
	"fmt"
)

// This file implements the JSON encoding for the Rules value type. The
// persisted rules.json (see config.Load/config.Save) and the RPC
// set_rules payload both use this encoding, so it is defined once here
// rather than duplicated at either call site.
//
// Encoding choices favor a human-editable file over a byte-for-byte
// mirror of the original's serde derive output: Device/Proto are
// spelled out as strings, RuleTarget is an object with a string "kind"
// (plus "rate_idx" for RateLimit), and optional Rule fields are simply
// omitted (their omitempty tags leave a nil pointer out, and an absent
// field unmarshals back to nil).

func (d Device) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Device) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	switch s {
	case "Input":
		*d = Input
	case "Output":
		*d = Output
	default:
		return fmt.Errorf("model: unknown device %q", s)
	}
	return nil
}

func (p Proto) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *Proto) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	switch s {
	case "TCP":
		*p = Tcp
	case "UDP":
		*p = Udp
	case "UDPLite":
		*p = UdpLite
	default:
		return fmt.Errorf("model: unknown proto %q", s)
	}
	return nil
}

type ruleTargetJSON struct {
	Kind    string `json:"kind"`
	RateIdx *int   `json:"rate_idx,omitempty"`
}

func (t RuleTarget) MarshalJSON() ([]byte, error) {
	switch t.Kind {
	case Accept:
		return json.Marshal(ruleTargetJSON{Kind: "Accept"})
	case Drop:
		return json.Marshal(ruleTargetJSON{Kind: "Drop"})
	case RateLimit:
		idx := t.RateIdx
		return json.Marshal(ruleTargetJSON{Kind: "RateLimit", RateIdx: &idx})
	default:
		return nil, fmt.Errorf("model: unknown rule target kind %d", t.Kind)
	}
}

func (t *RuleTarget) UnmarshalJSON(b []byte) error {
	var raw ruleTargetJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	switch raw.Kind {
	case "Accept":
		*t = RuleTarget{Kind: Accept}
	case "Drop":
		*t = RuleTarget{Kind: Drop}
	case "RateLimit":
		if raw.RateIdx == nil {
			return fmt.Errorf("model: RateLimit target missing rate_idx")
		}
		*t = RuleTarget{Kind: RateLimit, RateIdx: *raw.RateIdx}
	default:
		return fmt.Errorf("model: unknown rule target kind %q", raw.Kind)
	}
	return nil
}
