package domain

import (
	"fmt"
	"strings"
)

// Risk levels, ordered from least to most severe.
const (
	RiskLow      = "low"
	RiskMedium   = "medium"
	RiskHigh     = "high"
	RiskCritical = "critical"
)

var riskRank = map[string]int{
	RiskLow:      0,
	RiskMedium:   1,
	RiskHigh:     2,
	RiskCritical: 3,
}

// ParseRisk normalizes a risk level name.
func ParseRisk(level string) (string, error) {
	l := strings.ToLower(strings.TrimSpace(level))
	if _, ok := riskRank[l]; !ok {
		return "", fmt.Errorf("invalid risk level %q", level)
	}
	return l, nil
}

// MaxRisk returns the more severe of two valid risk levels.
func MaxRisk(a, b string) string {
	if riskRank[b] > riskRank[a] {
		return b
	}
	return a
}

// RiskAtLeast reports whether level is at least min.
func RiskAtLeast(level, min string) bool {
	return riskRank[level] >= riskRank[min]
}
