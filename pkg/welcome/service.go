// Package welcome implements WelcomeBot's two operations: enrolling a face
// under a name and finding who is in a photo.
package welcome

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MrCodeEU/welcomebot/pkg/apperr"
	"github.com/MrCodeEU/welcomebot/pkg/imaging"
	"github.com/MrCodeEU/welcomebot/pkg/logging"
	"github.com/MrCodeEU/welcomebot/pkg/recognition"
	"github.com/MrCodeEU/welcomebot/pkg/source"
	"github.com/MrCodeEU/welcomebot/pkg/storage"
)

// ErrDatabaseEmpty is returned by Find when nobody has been enrolled.
var ErrDatabaseEmpty = errors.New("database is empty")

// Recognizer detects faces and ranks descriptors.
type Recognizer interface {
	DetectSingleFace(imageData []byte) (*recognition.Face, error)
	DetectLargestFace(imageData []byte) (*recognition.Face, int, error)
	Rank(probe recognition.Descriptor, gallery []recognition.Candidate) []recognition.Match
}

// Store is the face database.
type Store interface {
	AddSample(name string, sample storage.Sample, image []byte) (*storage.Person, error)
	NextImageName(name, ext string) (string, error)
	Candidates() ([]recognition.Candidate, error)
	IsEmpty() (bool, error)
	LoadAll() ([]*storage.Person, error)
	ReadImage(name, image string) ([]byte, error)
	SavePerson(p *storage.Person) error
}

// Resolver turns an image reference into bytes.
type Resolver interface {
	Resolve(ctx context.Context, ref string) (*source.Image, error)
}

// Options tunes the service.
type Options struct {
	// MaxImageSize bounds the longest edge passed to the recognizer; 0 disables scaling.
	MaxImageSize int
	// MaxMatches bounds the matches returned by Find; 0 returns all.
	MaxMatches int
}

// Service enrolls and finds faces.
type Service struct {
	recognizer Recognizer
	store      Store
	resolver   Resolver
	opts       Options
}

// AddResult describes a completed enrollment.
type AddResult struct {
	Name     string `json:"name"`
	Image    string `json:"image"`
	SampleID string `json:"sample_id"`
	Samples  int    `json:"samples"`
	Source   string `json:"source"`
}

// FindResult describes a search. Matched is false when no enrolled face is
// within tolerance.
type FindResult struct {
	Source       string              `json:"source"`
	FacesInImage int                 `json:"faces_in_image"`
	Matched      bool                `json:"matched"`
	Matches      []recognition.Match `json:"matches"`
}

// Best returns the closest match, or nil.
func (r *FindResult) Best() *recognition.Match {
	if len(r.Matches) == 0 {
		return nil
	}
	return &r.Matches[0]
}

// ReindexResult summarizes a descriptor rebuild.
type ReindexResult struct {
	People  int `json:"people"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
}

// NewService creates a Service.
func NewService(rec Recognizer, store Store, resolver Resolver, opts Options) *Service {
	return &Service{
		recognizer: rec,
		store:      store,
		resolver:   resolver,
		opts:       opts,
	}
}

// load resolves ref and prepares it for the recognizer.
func (s *Service) load(ctx context.Context, ref string) (*source.Image, []byte, error) {
	img, err := s.resolver.Resolve(ctx, ref)
	if err != nil {
		return nil, nil, err
	}

	norm, err := imaging.Normalize(img.Data, s.opts.MaxImageSize)
	if err != nil {
		return nil, nil, err
	}
	if norm.Converted {
		logging.Debugf("Normalized %s (%s) to %dx%d jpeg", img, norm.MIME, norm.Width, norm.Height)
	}
	return img, norm.Data, nil
}

// Add enrolls the single face found in the image under name.
func (s *Service) Add(ctx context.Context, name, ref string) (*AddResult, error) {
	if err := storage.ValidateName(name); err != nil {
		return nil, err
	}

	img, data, err := s.load(ctx, ref)
	if err != nil {
		return nil, err
	}

	face, err := s.recognizer.DetectSingleFace(data)
	if err != nil {
		return nil, apperr.Library("detect", err)
	}

	imageName := img.Name
	if img.FromURL || !validImageName(imageName) {
		imageName, err = s.store.NextImageName(name, img.Ext)
		if err != nil {
			return nil, fmt.Errorf("failed to name image: %w", err)
		}
	}

	person, err := s.store.AddSample(name, storage.Sample{
		Image:      imageName,
		Source:     img.Ref,
		Descriptor: face.Descriptor,
	}, img.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to store face for %s: %w", name, err)
	}

	sampleID := ""
	for _, smp := range person.Samples {
		if smp.Image == imageName {
			sampleID = smp.ID
		}
	}

	return &AddResult{
		Name:     name,
		Image:    imageName,
		SampleID: sampleID,
		Samples:  len(person.Samples),
		Source:   img.Ref,
	}, nil
}

// Find identifies the largest face in the image against the database.
func (s *Service) Find(ctx context.Context, ref string) (*FindResult, error) {
	img, data, err := s.load(ctx, ref)
	if err != nil {
		return nil, err
	}

	empty, err := s.store.IsEmpty()
	if err != nil {
		return nil, fmt.Errorf("failed to read database: %w", err)
	}
	if empty {
		return nil, apperr.WrapInput(ErrDatabaseEmpty, "add faces first using the 'add' command")
	}

	face, count, err := s.recognizer.DetectLargestFace(data)
	if err != nil {
		return nil, apperr.Library("detect", err)
	}
	if count > 1 {
		logging.Infof("Found %d faces in %s, searching for the largest", count, img)
	}

	candidates, err := s.store.Candidates()
	if err != nil {
		return nil, fmt.Errorf("failed to read database: %w", err)
	}

	matches := s.recognizer.Rank(face.Descriptor, candidates)
	if s.opts.MaxMatches > 0 && len(matches) > s.opts.MaxMatches {
		matches = matches[:s.opts.MaxMatches]
	}

	logging.WithFields(logging.Fields{
		"source":     img.Ref,
		"candidates": len(candidates),
		"matches":    len(matches),
	}).Info("Search complete")

	return &FindResult{
		Source:       img.Ref,
		FacesInImage: count,
		Matched:      len(matches) > 0,
		Matches:      matches,
	}, nil
}

// Reindex recomputes every stored descriptor from its stored image. Samples
// whose image is missing or no longer yields exactly one face are kept as they
// are and counted as skipped.
func (s *Service) Reindex(ctx context.Context) (*ReindexResult, error) {
	people, err := s.store.LoadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read database: %w", err)
	}

	res := &ReindexResult{People: len(people)}
	for _, p := range people {
		changed := false
		for i := range p.Samples {
			if err := ctx.Err(); err != nil {
				return res, err
			}

			smp := &p.Samples[i]
			entry := logging.WithFields(logging.Fields{"name": p.Name, "image": smp.Image})
			if smp.Image == "" {
				res.Skipped++
				continue
			}

			raw, err := s.store.ReadImage(p.Name, smp.Image)
			if err != nil {
				entry.WithError(err).Warn("Cannot read stored image")
				res.Skipped++
				continue
			}
			norm, err := imaging.Normalize(raw, s.opts.MaxImageSize)
			if err != nil {
				entry.WithError(err).Warn("Cannot decode stored image")
				res.Skipped++
				continue
			}
			face, err := s.recognizer.DetectSingleFace(norm.Data)
			if errors.Is(err, recognition.ErrModelLoad) || errors.Is(err, recognition.ErrModelNotLoaded) {
				return res, apperr.Library("detect", err)
			}
			if err != nil {
				entry.WithError(err).Warn("Cannot recompute descriptor")
				res.Skipped++
				continue
			}

			smp.Descriptor = face.Descriptor
			changed = true
			res.Updated++
		}

		if changed {
			p.UpdatedAt = time.Now()
			if err := s.store.SavePerson(p); err != nil {
				return res, fmt.Errorf("failed to save %s: %w", p.Name, err)
			}
		}
	}

	return res, nil
}

func validImageName(name string) bool {
	return name != "" && name[0] != '.' && !strings.ContainsAny(name, `/\`)
}
