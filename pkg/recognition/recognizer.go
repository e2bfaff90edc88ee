// Package recognition provides face detection and matching on top of dlib
// through go-face. Detection and descriptor extraction belong to the library;
// this package adds selection of the probe face and ranking against enrolled
// descriptors.
package recognition

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/Kagami/go-face"
	"github.com/MrCodeEU/welcomebot/pkg/logging"
)

// Model files expected in the model directory.
const (
	ShapePredictorModel = "shape_predictor_5_face_landmarks.dat"
	DescriptorModel     = "dlib_face_recognition_resnet_model_v1.dat"
	CNNDetectorModel    = "mmod_human_face_detector.dat"
)

// DefaultTolerance is dlib's reference distance threshold for same identity.
const DefaultTolerance = 0.6

// Face represents a detected face in an image.
type Face struct {
	BoundingBox Rectangle
	Descriptor  Descriptor
}

// Rectangle represents a bounding box.
type Rectangle struct {
	X, Y          int
	Width, Height int
}

// Area returns the number of pixels covered by the box.
func (r Rectangle) Area() int {
	return r.Width * r.Height
}

// Descriptor is a 128-dimensional face descriptor from dlib.
type Descriptor = face.Descriptor

// Candidate is an enrolled descriptor that a probe is compared against.
type Candidate struct {
	Name       string
	SampleID   string
	Image      string
	Descriptor Descriptor
}

// Match is the closest sample of one person to a probe.
type Match struct {
	Name     string  `json:"name"`
	SampleID string  `json:"sample_id"`
	Image    string  `json:"image,omitempty"`
	Distance float64 `json:"distance"`
}

// ErrNoFaceDetected is returned when no face is found in the image.
var ErrNoFaceDetected = errors.New("no face detected")

// ErrMultipleFaces is returned when multiple faces are detected.
var ErrMultipleFaces = errors.New("multiple faces detected")

// ErrModelNotLoaded is returned when models are not loaded.
var ErrModelNotLoaded = errors.New("recognition models not loaded")

// ErrModelLoad is returned when the model files cannot be loaded.
var ErrModelLoad = errors.New("failed to load models")

// FaceEngine is the subset of go-face used here.
type FaceEngine interface {
	Recognize(imgData []byte) ([]face.Face, error)
	RecognizeCNN(imgData []byte) ([]face.Face, error)
	Close()
}

// EngineFactory creates a FaceEngine from a model directory.
type EngineFactory func(modelPath string) (FaceEngine, error)

func newDlibEngine(modelPath string) (FaceEngine, error) {
	return face.NewRecognizer(modelPath)
}

// DlibRecognizer implements face recognition using dlib via go-face.
type DlibRecognizer struct {
	engine    FaceEngine
	factory   EngineFactory
	modelPath string
	loaded    bool
	useCNN    bool
	tolerance float64
	mu        sync.RWMutex
}

// NewRecognizer creates a new DlibRecognizer instance.
func NewRecognizer() *DlibRecognizer {
	return &DlibRecognizer{
		factory:   newDlibEngine,
		tolerance: DefaultTolerance,
	}
}

// NewRecognizerWithFactory creates a DlibRecognizer whose engine comes from factory.
func NewRecognizerWithFactory(factory EngineFactory) *DlibRecognizer {
	r := NewRecognizer()
	r.factory = factory
	return r
}

// SetTolerance sets the maximum distance for a match.
// Lower values are more strict (fewer false positives).
func (r *DlibRecognizer) SetTolerance(tolerance float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tolerance = tolerance
}

// Tolerance returns the configured match distance.
func (r *DlibRecognizer) Tolerance() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tolerance
}

// SetUseCNN selects the CNN face detector instead of HOG.
// It needs mmod_human_face_detector.dat in the model directory.
func (r *DlibRecognizer) SetUseCNN(useCNN bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.useCNN = useCNN
}

// SetModelPath sets the directory the models are loaded from on first use.
func (r *DlibRecognizer) SetModelPath(modelPath string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modelPath = modelPath
}

// ensureLoaded loads the models from the configured path if needed.
func (r *DlibRecognizer) ensureLoaded() error {
	if r.IsLoaded() {
		return nil
	}

	r.mu.RLock()
	modelPath := r.modelPath
	r.mu.RUnlock()
	if modelPath == "" {
		return ErrModelNotLoaded
	}
	return r.LoadModels(modelPath)
}

// LoadModels loads the dlib face recognition models from the specified path.
func (r *DlibRecognizer) LoadModels(modelPath string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.loaded {
		return nil
	}

	logging.Infof("Loading face recognition models from: %s", modelPath)

	engine, err := r.factory(modelPath)
	if err != nil {
		return fmt.Errorf("%w from %s: %w", ErrModelLoad, modelPath, err)
	}

	r.engine = engine
	r.modelPath = modelPath
	r.loaded = true

	logging.Info("Face recognition models loaded successfully")
	return nil
}

// IsLoaded returns true if models are loaded.
func (r *DlibRecognizer) IsLoaded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loaded
}

// Close releases the recognizer resources.
func (r *DlibRecognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.engine != nil {
		r.engine.Close()
		r.engine = nil
	}
	r.loaded = false
	return nil
}

// DetectFaces detects all faces in a JPEG image. Models are loaded from the
// path set with SetModelPath on the first call.
func (r *DlibRecognizer) DetectFaces(imageData []byte) ([]Face, error) {
	if err := r.ensureLoaded(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.loaded {
		return nil, ErrModelNotLoaded
	}

	var (
		faces []face.Face
		err   error
	)
	if r.useCNN {
		faces, err = r.engine.RecognizeCNN(imageData)
	} else {
		faces, err = r.engine.Recognize(imageData)
	}
	if err != nil {
		return nil, fmt.Errorf("face detection failed: %w", err)
	}

	if len(faces) == 0 {
		return nil, ErrNoFaceDetected
	}

	result := make([]Face, len(faces))
	for i, f := range faces {
		rect := f.Rectangle
		result[i] = Face{
			BoundingBox: Rectangle{
				X:      rect.Min.X,
				Y:      rect.Min.Y,
				Width:  rect.Dx(),
				Height: rect.Dy(),
			},
			Descriptor: f.Descriptor,
		}
	}

	logging.Debugf("Detected %d face(s) in image", len(result))
	return result, nil
}

// DetectSingleFace detects exactly one face in the image.
// Returns an error if no face or multiple faces are detected.
func (r *DlibRecognizer) DetectSingleFace(imageData []byte) (*Face, error) {
	faces, err := r.DetectFaces(imageData)
	if err != nil {
		return nil, err
	}

	if len(faces) > 1 {
		return nil, fmt.Errorf("%w: found %d", ErrMultipleFaces, len(faces))
	}

	return &faces[0], nil
}

// DetectLargestFace detects faces and returns the one with the largest
// bounding box, along with the total number of faces found.
func (r *DlibRecognizer) DetectLargestFace(imageData []byte) (*Face, int, error) {
	faces, err := r.DetectFaces(imageData)
	if err != nil {
		return nil, 0, err
	}

	best := 0
	for i := 1; i < len(faces); i++ {
		if faces[i].BoundingBox.Area() > faces[best].BoundingBox.Area() {
			best = i
		}
	}
	return &faces[best], len(faces), nil
}

// Rank compares probe against every candidate and returns one Match per
// person whose closest sample is within tolerance, nearest first.
func (r *DlibRecognizer) Rank(probe Descriptor, gallery []Candidate) []Match {
	tolerance := r.Tolerance()

	best := make(map[string]Match)
	for _, c := range gallery {
		dist := EuclideanDistance(probe, c.Descriptor)
		if cur, ok := best[c.Name]; ok && cur.Distance <= dist {
			continue
		}
		best[c.Name] = Match{
			Name:     c.Name,
			SampleID: c.SampleID,
			Image:    c.Image,
			Distance: dist,
		}
	}

	matches := make([]Match, 0, len(best))
	for _, m := range best {
		if m.Distance < tolerance {
			matches = append(matches, m)
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Distance != matches[j].Distance {
			return matches[i].Distance < matches[j].Distance
		}
		return matches[i].Name < matches[j].Name
	})

	return matches
}

// EuclideanDistance calculates the Euclidean distance between two descriptors.
func EuclideanDistance(d1, d2 Descriptor) float64 {
	var sum float64
	for i := range d1 {
		diff := float64(d1[i] - d2[i])
		sum += diff * diff
	}
	return math.Sqrt(sum)
}
