// Package content models the read-only lesson catalog: units group ordered
// lessons, lessons group questions. The progress engine only reads it to
// resolve a lesson's unit and to count the lessons in a unit.
package content

import (
	"fmt"

	"github.com/alem-hub/progress-engine/internal/domain/answer"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

// Question is a single exercise inside a lesson.
type Question struct {
	ID      string              `json:"id"`
	Type    answer.QuestionType `json:"type"`
	Prompt  string              `json:"prompt"`
	Answer  string              `json:"answer"`
	Options []string            `json:"options,omitempty"`
}

// Lesson is an ordered list of questions.
type Lesson struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Questions []Question `json:"questions"`
}

// Unit is an ordered list of lessons.
type Unit struct {
	ID      string   `json:"id"`
	Title   string   `json:"title"`
	Lessons []Lesson `json:"lessons"`
}

type lessonRef struct {
	unit   int
	lesson int
}

// Catalog is an indexed, immutable set of units. Safe for concurrent reads.
type Catalog struct {
	units   []Unit
	lessons map[string]lessonRef
}

// NewCatalog indexes units. Lesson IDs must be unique across the catalog and
// question IDs unique within their lesson.
func NewCatalog(units []Unit) (*Catalog, error) {
	c := &Catalog{
		units:   units,
		lessons: make(map[string]lessonRef),
	}
	seenUnits := make(map[string]struct{}, len(units))
	for ui, u := range units {
		if u.ID == "" {
			return nil, shared.NewDomainError("content", "Build", shared.ErrEmptyValue, fmt.Sprintf("unit #%d has no id", ui+1))
		}
		if _, dup := seenUnits[u.ID]; dup {
			return nil, shared.WrapError("content", "Build", shared.ErrAlreadyExists, "unit "+u.ID, shared.ErrDuplicateContent)
		}
		seenUnits[u.ID] = struct{}{}

		for li, l := range u.Lessons {
			if l.ID == "" {
				return nil, shared.NewDomainError("content", "Build", shared.ErrEmptyValue, fmt.Sprintf("unit %s lesson #%d has no id", u.ID, li+1))
			}
			if _, dup := c.lessons[l.ID]; dup {
				return nil, shared.WrapError("content", "Build", shared.ErrAlreadyExists, "lesson "+l.ID, shared.ErrDuplicateContent)
			}
			questions := make(map[string]struct{}, len(l.Questions))
			for _, q := range l.Questions {
				if _, dup := questions[q.ID]; dup || q.ID == "" {
					return nil, shared.WrapError("content", "Build", shared.ErrInvalidInput, "question "+q.ID+" in lesson "+l.ID, shared.ErrDuplicateContent)
				}
				questions[q.ID] = struct{}{}
			}
			c.lessons[l.ID] = lessonRef{unit: ui, lesson: li}
		}
	}
	return c, nil
}

// Empty returns a catalog with no units.
func Empty() *Catalog {
	return &Catalog{lessons: map[string]lessonRef{}}
}

// Units returns the units in declaration order.
func (c *Catalog) Units() []Unit {
	return c.units
}

// UnitOf returns the unit that contains lessonID.
func (c *Catalog) UnitOf(lessonID string) (string, bool) {
	ref, ok := c.lessons[lessonID]
	if !ok {
		return "", false
	}
	return c.units[ref.unit].ID, true
}

// LessonCount returns the number of lessons in unitID, or 0 if unknown.
func (c *Catalog) LessonCount(unitID string) int {
	for _, u := range c.units {
		if u.ID == unitID {
			return len(u.Lessons)
		}
	}
	return 0
}

// Lesson looks up a lesson by id.
func (c *Catalog) Lesson(lessonID string) (Lesson, error) {
	ref, ok := c.lessons[lessonID]
	if !ok {
		return Lesson{}, shared.ErrLessonNotFound
	}
	return c.units[ref.unit].Lessons[ref.lesson], nil
}

// Question looks up a question inside a lesson.
func (c *Catalog) Question(lessonID, questionID string) (Question, error) {
	lesson, err := c.Lesson(lessonID)
	if err != nil {
		return Question{}, err
	}
	for _, q := range lesson.Questions {
		if q.ID == questionID {
			return q, nil
		}
	}
	return Question{}, shared.ErrQuestionNotFound
}

// Stats summarises the catalog size.
func (c *Catalog) Stats() (units, lessons, questions int) {
	for _, u := range c.units {
		lessons += len(u.Lessons)
		for _, l := range u.Lessons {
			questions += len(l.Questions)
		}
	}
	return len(c.units), lessons, questions
}
