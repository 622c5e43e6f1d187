package domain

import (
	"encoding/json"
	"fmt"
)

// ScoreResult is the normalized model verdict for one feature vector.
type ScoreResult struct {
	AnomalyScore float64 `json:"anomalyScore"`
	RiskScore    float64 `json:"riskScore"`
	Flagged      bool    `json:"flagged"`
}

// ReasonKind is the closed set of explanation tags.
type ReasonKind int

const (
	ReasonNewDevice ReasonKind = iota + 1
	ReasonNewIP
	ReasonNewMerchant
	ReasonImpossibleTravel
	ReasonHighVelocity5m
	ReasonHighSpend1h
	ReasonAmountSpike
)

var reasonKindNames = map[ReasonKind]string{
	ReasonNewDevice:        "new_device",
	ReasonNewIP:            "new_ip",
	ReasonNewMerchant:      "new_merchant",
	ReasonImpossibleTravel: "impossible_travel",
	ReasonHighVelocity5m:   "high_velocity_5m",
	ReasonHighSpend1h:      "high_spend_1h",
	ReasonAmountSpike:      "amount_spike",
}

func (k ReasonKind) String() string {
	if name, ok := reasonKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("ReasonKind(%d)", int(k))
}

// MarshalText encodes the kind as its wire tag.
func (k ReasonKind) MarshalText() ([]byte, error) {
	name, ok := reasonKindNames[k]
	if !ok {
		return nil, fmt.Errorf("unknown reason kind %d", int(k))
	}
	return []byte(name), nil
}

// UnmarshalText decodes a wire tag.
func (k *ReasonKind) UnmarshalText(text []byte) error {
	parsed, err := ParseReasonKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseReasonKind maps a wire tag back onto the enum.
func ParseReasonKind(name string) (ReasonKind, error) {
	for kind, tag := range reasonKindNames {
		if tag == name {
			return kind, nil
		}
	}
	return 0, fmt.Errorf("unknown reason kind %q", name)
}

// Reason explains one rule that fired for an event.
type Reason struct {
	Kind     ReasonKind `json:"kind"`
	Detail   string     `json:"detail"`
	Severity int        `json:"severity"`
}

// MarshalReasons encodes reasons as a JSON array, never null.
func MarshalReasons(reasons []Reason) ([]byte, error) {
	if reasons == nil {
		reasons = []Reason{}
	}
	return json.Marshal(reasons)
}

// UnmarshalReasons decodes a stored reasons array. Empty input yields no reasons.
func UnmarshalReasons(raw []byte) ([]Reason, error) {
	if len(raw) == 0 {
		return []Reason{}, nil
	}
	var reasons []Reason
	if err := json.Unmarshal(raw, &reasons); err != nil {
		return nil, fmt.Errorf("decode reasons: %w", err)
	}
	return reasons, nil
}
