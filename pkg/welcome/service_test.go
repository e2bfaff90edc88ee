package welcome

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/Kagami/go-face"
	"github.com/MrCodeEU/welcomebot/pkg/apperr"
	"github.com/MrCodeEU/welcomebot/pkg/recognition"
	"github.com/MrCodeEU/welcomebot/pkg/source"
	"github.com/MrCodeEU/welcomebot/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEngine returns the faces registered for exact image bytes.
type fakeEngine struct {
	mu    sync.Mutex
	faces map[string][]face.Face
}

func (e *fakeEngine) Recognize(data []byte) ([]face.Face, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.faces[string(data)], nil
}

func (e *fakeEngine) RecognizeCNN(data []byte) ([]face.Face, error) {
	return e.Recognize(data)
}

func (e *fakeEngine) Close() {}

func (e *fakeEngine) set(data []byte, faces ...face.Face) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.faces[string(data)] = faces
}

type fixture struct {
	t       *testing.T
	dir     string
	engine  *fakeEngine
	store   *storage.FileStorage
	service *Service
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	dir := t.TempDir()

	engine := &fakeEngine{faces: map[string][]face.Face{}}
	rec := recognition.NewRecognizerWithFactory(func(string) (recognition.FaceEngine, error) {
		return engine, nil
	})
	require.NoError(t, rec.LoadModels("models"))

	store, err := storage.NewFileStorage(filepath.Join(dir, "db"), false, true)
	require.NoError(t, err)

	return &fixture{
		t:       t,
		dir:     dir,
		engine:  engine,
		store:   store,
		service: NewService(rec, store, source.NewResolver(source.Options{}), opts),
	}
}

// photo writes a distinct JPEG to disk and returns its path and bytes.
func (f *fixture) photo(name string, shade uint8) (string, []byte) {
	f.t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for x := 0; x < 8; x++ {
		for y := 0; y < 8; y++ {
			img.Set(x, y, color.RGBA{R: shade, G: uint8(x * 16), B: uint8(y * 16), A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(f.t, jpeg.Encode(&buf, img, nil))

	path := filepath.Join(f.dir, name)
	require.NoError(f.t, os.WriteFile(path, buf.Bytes(), 0644))
	return path, buf.Bytes()
}

func faceAt(size int, d ...float32) face.Face {
	var desc face.Descriptor
	copy(desc[:], d)
	return face.Face{Rectangle: image.Rect(0, 0, size, size), Descriptor: desc}
}

func TestAddThenFindSameImage(t *testing.T) {
	f := newFixture(t, Options{})
	path, data := f.photo("alice.jpg", 10)
	f.engine.set(data, faceAt(50, 1, 0, 0))

	added, err := f.service.Add(context.Background(), "alice", path)
	require.NoError(t, err)
	assert.Equal(t, "alice", added.Name)
	assert.Equal(t, "alice.jpg", added.Image)
	assert.Equal(t, 1, added.Samples)
	assert.NotEmpty(t, added.SampleID)

	found, err := f.service.Find(context.Background(), path)
	require.NoError(t, err)
	require.True(t, found.Matched)
	assert.Equal(t, "alice", found.Best().Name)
	assert.Zero(t, found.Best().Distance)
	assert.Equal(t, 1, found.FacesInImage)
}

func TestFindDifferentPhotoOfSamePerson(t *testing.T) {
	f := newFixture(t, Options{})
	alice, aliceData := f.photo("alice.jpg", 10)
	bob, bobData := f.photo("bob.jpg", 20)
	other, otherData := f.photo("alice_different_photo.jpg", 30)

	f.engine.set(aliceData, faceAt(50, 1, 0, 0))
	f.engine.set(bobData, faceAt(50, 0, 1, 0))
	f.engine.set(otherData, faceAt(50, 0.9, 0.1, 0))

	_, err := f.service.Add(context.Background(), "alice", alice)
	require.NoError(t, err)
	_, err = f.service.Add(context.Background(), "bob", bob)
	require.NoError(t, err)

	found, err := f.service.Find(context.Background(), other)
	require.NoError(t, err)
	require.True(t, found.Matched)
	assert.Equal(t, "alice", found.Best().Name)
	assert.Len(t, found.Matches, 1)
}

func TestFindNoMatch(t *testing.T) {
	f := newFixture(t, Options{})
	alice, aliceData := f.photo("alice.jpg", 10)
	stranger, strangerData := f.photo("stranger.jpg", 40)
	f.engine.set(aliceData, faceAt(50, 1, 0, 0))
	f.engine.set(strangerData, faceAt(50, -1, 0, 0))

	_, err := f.service.Add(context.Background(), "alice", alice)
	require.NoError(t, err)

	found, err := f.service.Find(context.Background(), stranger)
	require.NoError(t, err)
	assert.False(t, found.Matched)
	assert.Nil(t, found.Best())
	assert.Empty(t, found.Matches)
}

func TestFindUsesLargestFace(t *testing.T) {
	f := newFixture(t, Options{})
	alice, aliceData := f.photo("alice.jpg", 10)
	group, groupData := f.photo("group.jpg", 50)
	f.engine.set(aliceData, faceAt(50, 1, 0, 0))
	f.engine.set(groupData, faceAt(10, -1, 0, 0), faceAt(80, 1, 0, 0))

	_, err := f.service.Add(context.Background(), "alice", alice)
	require.NoError(t, err)

	found, err := f.service.Find(context.Background(), group)
	require.NoError(t, err)
	assert.Equal(t, 2, found.FacesInImage)
	require.True(t, found.Matched)
	assert.Equal(t, "alice", found.Best().Name)
}

func TestFindMaxMatches(t *testing.T) {
	f := newFixture(t, Options{MaxMatches: 1})
	for i, name := range []string{"ann", "ben", "cat"} {
		path, data := f.photo(name+".jpg", uint8(10*i+5))
		f.engine.set(data, faceAt(50, 1, float32(i)*0.1, 0))
		_, err := f.service.Add(context.Background(), name, path)
		require.NoError(t, err)
	}
	probe, probeData := f.photo("probe.jpg", 90)
	f.engine.set(probeData, faceAt(50, 1, 0.19, 0))

	found, err := f.service.Find(context.Background(), probe)
	require.NoError(t, err)
	require.Len(t, found.Matches, 1)
	assert.Equal(t, "cat", found.Best().Name)
}

func TestFindEmptyDatabase(t *testing.T) {
	f := newFixture(t, Options{})
	path, data := f.photo("alice.jpg", 10)
	f.engine.set(data, faceAt(50, 1))

	_, err := f.service.Find(context.Background(), path)
	require.Error(t, err)
	assert.True(t, apperr.IsInput(err))
	assert.True(t, errors.Is(err, ErrDatabaseEmpty))
}

func TestAddInputErrors(t *testing.T) {
	f := newFixture(t, Options{})
	path, data := f.photo("alice.jpg", 10)
	f.engine.set(data, faceAt(50, 1))
	textFile := filepath.Join(f.dir, "notes.jpg")
	require.NoError(t, os.WriteFile(textFile, []byte("not an image at all"), 0644))

	tests := []struct {
		name string
		who  string
		ref  string
	}{
		{"empty name", "", path},
		{"bad name", "../alice", path},
		{"empty source", "alice", ""},
		{"missing path", "alice", filepath.Join(f.dir, "missing.jpg")},
		{"unsupported content", "alice", textFile},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.service.Add(context.Background(), tt.who, tt.ref)
			require.Error(t, err)
			assert.True(t, apperr.IsInput(err), "expected InputError, got %v", err)
		})
	}

	empty, err := f.store.IsEmpty()
	require.NoError(t, err)
	assert.True(t, empty, "failed adds must not enroll anyone")
}

func TestAddLibraryErrors(t *testing.T) {
	f := newFixture(t, Options{})
	noFace, _ := f.photo("wall.jpg", 10)
	crowd, crowdData := f.photo("crowd.jpg", 20)
	f.engine.set(crowdData, faceAt(20, 1), faceAt(30, 2))

	_, err := f.service.Add(context.Background(), "alice", noFace)
	require.Error(t, err)
	assert.True(t, apperr.IsLibrary(err))
	assert.True(t, errors.Is(err, recognition.ErrNoFaceDetected))
	assert.Equal(t, "no face detected", err.Error())

	_, err = f.service.Add(context.Background(), "alice", crowd)
	require.Error(t, err)
	assert.True(t, apperr.IsLibrary(err))
	assert.True(t, errors.Is(err, recognition.ErrMultipleFaces))
}

func TestAddFromURL(t *testing.T) {
	f := newFixture(t, Options{})
	local, data := f.photo("bob.jpg", 60)
	f.engine.set(data, faceAt(50, 0, 1, 0))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(data)
	}))
	defer srv.Close()

	first, err := f.service.Add(context.Background(), "bob", srv.URL+"/photos/portrait")
	require.NoError(t, err)
	assert.Equal(t, "bob_1.jpg", first.Image)

	second, err := f.service.Add(context.Background(), "bob", srv.URL+"/bob.jpeg")
	require.NoError(t, err)
	assert.Equal(t, "bob_2.jpeg", second.Image)
	assert.Equal(t, 2, second.Samples)

	third, err := f.service.Add(context.Background(), "bob", srv.URL+"/photo.php?id=1")
	require.NoError(t, err)
	assert.Equal(t, "bob_3.jpg", third.Image)

	stored, err := f.store.ReadImage("bob", "bob_1.jpg")
	require.NoError(t, err)
	assert.Equal(t, data, stored)

	viaURL, err := f.service.Find(context.Background(), srv.URL+"/photos/portrait")
	require.NoError(t, err)
	viaFile, err := f.service.Find(context.Background(), local)
	require.NoError(t, err)
	assert.Equal(t, viaFile.Matches, viaURL.Matches)
	assert.Equal(t, "bob", viaURL.Best().Name)
}

func TestFindUnreachableURL(t *testing.T) {
	f := newFixture(t, Options{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL + "/gone.jpg"
	srv.Close()

	_, err := f.service.Find(context.Background(), url)
	require.Error(t, err)
	assert.True(t, apperr.IsInput(err))
}

func TestReindex(t *testing.T) {
	f := newFixture(t, Options{})
	path, data := f.photo("alice.jpg", 10)
	f.engine.set(data, faceAt(50, 1, 0, 0))

	_, err := f.service.Add(context.Background(), "alice", path)
	require.NoError(t, err)

	// A model change yields new descriptors for the same image
	f.engine.set(data, faceAt(50, 0, 0, 1))

	res, err := f.service.Reindex(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.People)
	assert.Equal(t, 1, res.Updated)
	assert.Zero(t, res.Skipped)

	p, err := f.store.LoadPerson("alice")
	require.NoError(t, err)
	assert.Equal(t, float32(1), p.Samples[0].Descriptor[2])
}

func TestReindex_SkipsUnusableSamples(t *testing.T) {
	f := newFixture(t, Options{})
	path, data := f.photo("alice.jpg", 10)
	f.engine.set(data, faceAt(50, 1, 0, 0))

	_, err := f.service.Add(context.Background(), "alice", path)
	require.NoError(t, err)
	f.engine.set(data)

	res, err := f.service.Reindex(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)

	p, err := f.store.LoadPerson("alice")
	require.NoError(t, err)
	assert.Equal(t, float32(1), p.Samples[0].Descriptor[0], "descriptor must be kept")
}

func TestReindex_Canceled(t *testing.T) {
	f := newFixture(t, Options{})
	path, data := f.photo("alice.jpg", 10)
	f.engine.set(data, faceAt(50, 1, 0, 0))
	_, err := f.service.Add(context.Background(), "alice", path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = f.service.Reindex(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReindex_StopsWhenModelsFailToLoad(t *testing.T) {
	f := newFixture(t, Options{})
	path, data := f.photo("alice.jpg", 10)
	f.engine.set(data, faceAt(50, 1, 0, 0))
	_, err := f.service.Add(context.Background(), "alice", path)
	require.NoError(t, err)

	rec := recognition.NewRecognizerWithFactory(func(string) (recognition.FaceEngine, error) {
		return nil, errors.New("unable to open dlib_face_recognition_resnet_model_v1.dat")
	})
	rec.SetModelPath("models")
	svc := NewService(rec, f.store, source.NewResolver(source.Options{}), Options{})

	_, err = svc.Reindex(context.Background())
	require.Error(t, err)
	assert.True(t, apperr.IsLibrary(err))
	assert.ErrorIs(t, err, recognition.ErrModelLoad)
}

func TestInputCheckedBeforeModelsLoad(t *testing.T) {
	dir := t.TempDir()
	loads := 0
	rec := recognition.NewRecognizerWithFactory(func(string) (recognition.FaceEngine, error) {
		loads++
		return nil, errors.New("models missing")
	})
	rec.SetModelPath("models")
	store, err := storage.NewFileStorage(filepath.Join(dir, "db"), false, true)
	require.NoError(t, err)
	svc := NewService(rec, store, source.NewResolver(source.Options{}), Options{})

	_, err = svc.Add(context.Background(), "", filepath.Join(dir, "alice.jpg"))
	assert.True(t, apperr.IsInput(err), "got %v", err)
	_, err = svc.Add(context.Background(), "alice", filepath.Join(dir, "nope.jpg"))
	assert.True(t, apperr.IsInput(err), "got %v", err)
	_, err = svc.Find(context.Background(), filepath.Join(dir, "nope.jpg"))
	assert.True(t, apperr.IsInput(err), "got %v", err)
	assert.Zero(t, loads)
}
