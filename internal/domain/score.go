package domain

// Contribution is one raw supporter record from the scoring feed.
// Feed order is meaningful: ties between supporters keep feed order.
type Contribution struct {
	SupporterID   ProfileID `json:"supporter_id"`
	SupporterName string    `json:"supporter_name"`
	AvatarURL     string    `json:"avatar_url"`
	Team          Team      `json:"team"`
	Points        int64     `json:"points"`
}

// ScoreState is the raw scoring feed payload for one session. Purely
// display input; never drives phase transitions.
type ScoreState struct {
	SessionID     SessionID      `json:"session_id"`
	Contributions []Contribution `json:"contributions"`
}
