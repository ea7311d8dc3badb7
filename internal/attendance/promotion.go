package attendance

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"campusattend/internal/store"
	"campusattend/internal/streams"
)

// PromotionStep moves one semester's students into the next.
type PromotionStep struct {
	From  int `json:"from"`
	To    int `json:"to"`
	Count int `json:"count"`
}

// PromotionReport summarizes a completed promotion.
type PromotionReport struct {
	BatchID         string          `json:"batch_id"`
	Stream          string          `json:"stream"`
	Graduated       int             `json:"graduated"`
	TerminalSem     int             `json:"terminal_semester"`
	Steps           []PromotionStep `json:"promoted"`
	DroppedInactive int             `json:"dropped_inactive"`
}

// PromotionPreview shows what Promote would do without writing.
type PromotionPreview struct {
	Stream      string          `json:"stream"`
	TerminalSem int             `json:"terminal_semester"`
	Graduating  int             `json:"graduating"`
	Steps       []PromotionStep `json:"steps"`
	Active      map[int]int     `json:"active_by_semester"`
}

// promotionPairs lists (from, to) pairs from the highest source semester down.
// A pair exists only when both semesters are offered by the stream.
func promotionPairs(d streams.Descriptor) []PromotionStep {
	var steps []PromotionStep
	for i := len(d.Semesters) - 1; i >= 0; i-- {
		from := d.Semesters[i]
		if from == d.Terminal() {
			continue
		}
		if d.Allows(from + 1) {
			steps = append(steps, PromotionStep{From: from, To: from + 1})
		}
	}
	return steps
}

// studentHandles binds every student partition of the stream before any transaction opens.
func (s *Service) studentHandles(ctx context.Context, d streams.Descriptor) (map[int]*store.Handle, error) {
	out := make(map[int]*store.Handle, len(d.Semesters))
	for _, sem := range d.Semesters {
		p, err := s.registry.Resolve(d.Name, sem, streams.KindStudents)
		if err != nil {
			return nil, err
		}
		h, err := s.repo.handle(ctx, p)
		if err != nil {
			return nil, err
		}
		out[sem] = h
	}
	return out, nil
}

// PreviewPromotion counts the students each step would move.
func (s *Service) PreviewPromotion(ctx context.Context, stream string) (*PromotionPreview, error) {
	d, err := s.registry.Lookup(stream)
	if err != nil {
		return nil, err
	}
	prev := &PromotionPreview{Stream: d.Name, TerminalSem: d.Terminal(), Active: make(map[int]int)}
	for _, sem := range d.Semesters {
		p, _ := s.registry.Resolve(d.Name, sem, streams.KindStudents)
		list, err := s.repo.ListStudents(ctx, p, nil)
		if err != nil {
			return nil, err
		}
		active := 0
		for _, st := range list {
			if st.IsActive {
				active++
			}
		}
		prev.Active[sem] = active
		if sem == d.Terminal() {
			prev.Graduating = len(list)
		}
	}
	for _, step := range promotionPairs(d) {
		step.Count = prev.Active[step.From]
		prev.Steps = append(prev.Steps, step)
	}
	return prev, nil
}

// Promote advances every student of the stream one semester in a single transaction.
// The terminal semester is graduated (deleted) first; then each source partition, highest
// first, is copied into its target and cleared. Any failure rolls everything back.
func (s *Service) Promote(ctx context.Context, stream string) (*PromotionReport, error) {
	d, err := s.registry.Lookup(stream)
	if err != nil {
		return nil, err
	}
	handles, err := s.studentHandles(ctx, d)
	if err != nil {
		return nil, err
	}

	now := s.now()
	report := &PromotionReport{BatchID: uuid.NewString(), Stream: d.Name, TerminalSem: d.Terminal()}
	err = s.repo.parts.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := handles[d.Terminal()].In(tx).Where("1 = 1").Delete(&Student{})
		if res.Error != nil {
			return fmt.Errorf("graduate semester %d: %w", d.Terminal(), res.Error)
		}
		report.Graduated = int(res.RowsAffected)

		for _, step := range promotionPairs(d) {
			var students []Student
			if err := handles[step.From].In(tx).Order("student_id").Find(&students).Error; err != nil {
				return fmt.Errorf("load semester %d: %w", step.From, err)
			}
			moved := make([]Student, 0, len(students))
			for _, st := range students {
				if !st.IsActive {
					report.DroppedInactive++
					continue
				}
				st.MigrationHistory = append(st.MigrationHistory, MigrationRecord{
					FromSemester: step.From,
					ToSemester:   step.To,
					Date:         now,
					BatchID:      report.BatchID,
				})
				st.Generation++
				st.Semester = step.To
				st.UpdatedAt = now
				moved = append(moved, st)
			}
			if len(moved) > 0 {
				if err := handles[step.To].In(tx).Create(&moved).Error; err != nil {
					return fmt.Errorf("insert semester %d: %w", step.To, err)
				}
			}
			if err := handles[step.From].In(tx).Where("1 = 1").Delete(&Student{}).Error; err != nil {
				return fmt.Errorf("clear semester %d: %w", step.From, err)
			}
			step.Count = len(moved)
			report.Steps = append(report.Steps, step)
		}
		return nil
	})
	if err != nil {
		log.Printf("[promotion] %s batch %s rolled back: %v", d.Name, report.BatchID, err)
		return nil, err
	}
	log.Printf("[promotion] %s batch %s: graduated %d, steps %+v", d.Name, report.BatchID, report.Graduated, report.Steps)
	return report, nil
}
