package models

import "strings"

type Difficulty string

const (
	DifficultyEasy    Difficulty = "easy"
	DifficultyMedium  Difficulty = "medium"
	DifficultyHard    Difficulty = "hard"
	DifficultyUnrated Difficulty = "unrated"
)

// ParseDifficulty normalizes free-form input; anything unknown is unrated.
func ParseDifficulty(s string) Difficulty {
	switch d := Difficulty(strings.ToLower(strings.TrimSpace(s))); d {
	case DifficultyEasy, DifficultyMedium, DifficultyHard:
		return d
	default:
		return DifficultyUnrated
	}
}

type Task struct {
	ID              string     `json:"id" yaml:"id"`
	Type            string     `json:"type" yaml:"type"`
	Category        string     `json:"category" yaml:"category"`
	Subcategory     string     `json:"subcategory" yaml:"subcategory"`
	Description     string     `json:"description" yaml:"description"`
	Difficulty      Difficulty `json:"difficulty" yaml:"difficulty"`
	IsPriority      bool       `json:"is_priority" yaml:"is_priority"`
	DisplayOrder    *int       `json:"display_order" yaml:"display_order"`
	BoostMultiplier float64    `json:"boost_multiplier" yaml:"boost_multiplier"`
	PromoTitle      string     `json:"promo_title" yaml:"promo_title"`

	// IsClaimed is derived from the claims table and is never authoritative.
	IsClaimed bool `json:"is_claimed" yaml:"-"`
}

// Promoted reports whether the task carries an active merchandising boost.
func (t Task) Promoted() bool {
	return t.BoostMultiplier > 1 || t.PromoTitle != ""
}

// TypeCount is the aggregate availability of one task type.
type TypeCount struct {
	Type      string `json:"type"`
	Total     int    `json:"total"`
	Available int    `json:"available"`
}
