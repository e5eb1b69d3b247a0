package models

import "fmt"

// TaskLevel is the granularity of a task in the collective hierarchy.
// Lower values are broader and more important; higher values are more granular.
type TaskLevel int

const (
	// LevelVision is the single root goal of a collective.
	LevelVision TaskLevel = iota
	// LevelMission breaks the vision into long-running missions.
	LevelMission
	// LevelObjective is a measurable outcome within a mission.
	LevelObjective
	// LevelEpic groups features delivering an objective.
	LevelEpic
	// LevelFeature is a user-visible capability.
	LevelFeature
	// LevelStory is a slice of a feature.
	LevelStory
	// LevelTask is a concrete unit of agent work.
	LevelTask
	// LevelSubtask is the most granular unit.
	LevelSubtask
)

var levelNames = [...]string{
	"vision", "mission", "objective", "epic", "feature", "story", "task", "subtask",
}

// Valid returns true if the level is one of the eight known levels.
func (l TaskLevel) Valid() bool {
	return l >= LevelVision && l <= LevelSubtask
}

// String returns the lowercase level name.
func (l TaskLevel) String() string {
	if !l.Valid() {
		return fmt.Sprintf("level(%d)", int(l))
	}
	return levelNames[l]
}

// IsBroad reports whether the level is Epic or Feature.
func (l TaskLevel) IsBroad() bool {
	return l == LevelEpic || l == LevelFeature
}

// IsLeafWork reports whether the level is Task or Subtask.
func (l TaskLevel) IsLeafWork() bool {
	return l == LevelTask || l == LevelSubtask
}

// ParseTaskLevel converts a level name (case-sensitive, lowercase) to a TaskLevel.
func ParseTaskLevel(s string) (TaskLevel, error) {
	for i, name := range levelNames {
		if name == s {
			return TaskLevel(i), nil
		}
	}
	return 0, fmt.Errorf("unknown task level %q", s)
}
