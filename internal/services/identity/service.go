package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"labguard-worker-go/internal/inference"
	"labguard-worker-go/internal/models"
)

// ErrNoEmbedding is returned when the embedder produced an empty vector.
var ErrNoEmbedding = errors.New("face embedding is empty")

const dayLayout = "2006-01-02"

// Outcome is what the caller should do with a confirmed violation.
type Outcome int

const (
	Escalate Outcome = iota
	Suppress
)

func (o Outcome) String() string {
	if o == Suppress {
		return "suppress"
	}
	return "escalate"
}

// Person is a known identity and its incompliance history.
type Person struct {
	ID                string
	Embedding         []float64
	LastIncompliance  time.Time
	IncomplianceCount int
	CreatedAt         time.Time
}

// Store persists identities. Nearest reports found=false when empty.
type Store interface {
	Nearest(ctx context.Context, embedding []float64) (p Person, distance float64, found bool, err error)
	Create(ctx context.Context, p Person) error
	RecordIncompliance(ctx context.Context, id string, at time.Time) (count int, err error)
	// DeleteInactiveBefore removes people whose last incompliance is older
	// than cutoff and returns how many were removed.
	DeleteInactiveBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// Decision is the dedup result for one face.
type Decision struct {
	Outcome           Outcome
	PersonID          string
	NewIdentity       bool
	Distance          float64
	IncomplianceCount int
	At                time.Time
	// Day is At formatted as YYYY-MM-DD in the service's location.
	Day string
}

// Service matches faces against known identities and decides whether a
// confirmed violation is escalated or suppressed for the day.
type Service struct {
	embedder  inference.Embedder
	store     Store
	threshold float64
	loc       *time.Location

	// mu serialises resolve so concurrent cameras do not create the same
	// person twice.
	mu    sync.Mutex
	now   func() time.Time
	newID func() string
}

func NewService(embedder inference.Embedder, store Store, threshold float64, loc *time.Location) *Service {
	if loc == nil {
		loc = time.Local
	}
	return &Service{
		embedder:  embedder,
		store:     store,
		threshold: threshold,
		loc:       loc,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// Resolve embeds the face crop and applies the daily dedup rule.
func (s *Service) Resolve(ctx context.Context, faceCrop *models.RawFrame) (Decision, error) {
	embedding, err := s.embedder.Embed(ctx, faceCrop)
	if err != nil {
		return Decision{}, fmt.Errorf("embed face: %w", err)
	}
	if len(embedding) == 0 {
		return Decision{}, ErrNoEmbedding
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	at := s.now().In(s.loc)
	d := Decision{At: at, Day: at.Format(dayLayout)}

	p, dist, found, err := s.store.Nearest(ctx, embedding)
	if err != nil {
		return Decision{}, fmt.Errorf("nearest identity: %w", err)
	}

	if found && dist < s.threshold {
		d.PersonID = p.ID
		d.Distance = dist
		if p.LastIncompliance.In(s.loc).Format(dayLayout) == d.Day {
			d.Outcome = Suppress
			d.IncomplianceCount = p.IncomplianceCount
			log.Debug().Str("person_id", p.ID).Float64("distance", dist).Msg("Identity already reported today")
			return d, nil
		}
		count, err := s.store.RecordIncompliance(ctx, p.ID, at)
		if err != nil {
			return Decision{}, fmt.Errorf("record incompliance for %s: %w", p.ID, err)
		}
		d.Outcome = Escalate
		d.IncomplianceCount = count
		log.Info().Str("person_id", p.ID).Int("count", count).Msg("Repeat incompliance")
		return d, nil
	}

	person := Person{
		ID:                s.newID(),
		Embedding:         embedding,
		LastIncompliance:  at,
		IncomplianceCount: 1,
		CreatedAt:         at,
	}
	if err := s.store.Create(ctx, person); err != nil {
		return Decision{}, fmt.Errorf("create identity: %w", err)
	}
	d.Outcome = Escalate
	d.PersonID = person.ID
	d.NewIdentity = true
	d.IncomplianceCount = 1
	log.Info().Str("person_id", person.ID).Msg("New identity registered")
	return d, nil
}
