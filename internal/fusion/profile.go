// Package fusion 将多个 specialist 的结果合并为单一判定。
package fusion

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// Classification 是最终判定类别。
type Classification string

const (
	ClassSafe    Classification = "SAFE"
	ClassWarning Classification = "WARNING"
	ClassDanger  Classification = "DANGER"
)

// Profile 是一组阈值：score <= SafeMax 为 SAFE，<= WarningMax 为 WARNING，其余为 DANGER。
type Profile struct {
	Name       string
	SafeMax    int
	WarningMax int
}

var (
	// SpecialistProfile 用于协调器的 specialist 并发评估。
	SpecialistProfile = Profile{Name: "specialist_profile", SafeMax: 30, WarningMax: 70}
	// PipelineProfile 用于跨智能体流水线。
	PipelineProfile = Profile{Name: "pipeline_profile", SafeMax: 40, WarningMax: 70}
)

// ProfileByName 按名称查找阈值配置。名称为空时返回错误，默认值由配置层填充。
func ProfileByName(name string) (Profile, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "":
		return Profile{}, errors.New("阈值配置名称不能为空")
	case SpecialistProfile.Name, "specialist":
		return SpecialistProfile, nil
	case PipelineProfile.Name, "pipeline":
		return PipelineProfile, nil
	default:
		return Profile{}, fmt.Errorf("未知的阈值配置: %q", name)
	}
}

// Classify 根据分数返回类别，边界值归入较低的类别。
func (p Profile) Classify(score int) Classification {
	switch {
	case score <= p.SafeMax:
		return ClassSafe
	case score <= p.WarningMax:
		return ClassWarning
	default:
		return ClassDanger
	}
}

// Score 把风险值转换为 0-100 的整数分数。
func Score(risk float64) int {
	if math.IsNaN(risk) {
		risk = 0.5
	}
	risk = math.Max(0, math.Min(1, risk))
	return int(math.Round(risk * 100))
}
