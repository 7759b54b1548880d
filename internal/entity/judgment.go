package entity

// Judgment is a vision model's verdict on a photo, such as damage evidence
// attached to a dispute.
type Judgment struct {
	Valid      bool    `json:"valid"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}
