// Package storage keeps the face database on disk.
// Each enrolled person is one JSON document holding their face samples, next to
// a directory with the enrolled images. Both can be encrypted at rest using
// NaCl secretbox.
package storage

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/MrCodeEU/welcomebot/pkg/apperr"
	"github.com/MrCodeEU/welcomebot/pkg/logging"
	"github.com/MrCodeEU/welcomebot/pkg/recognition"
	"github.com/google/uuid"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	// NonceSize is the size of the nonce used for encryption
	NonceSize = 24
	// KeySize is the size of the encryption key
	KeySize = 32
	// MaxNameLength bounds person names.
	MaxNameLength = 128

	peopleDir  = "people"
	imagesDir  = "images"
	plainExt   = ".json"
	encryptExt = ".enc"
)

// Sample is one enrolled face.
type Sample struct {
	ID         string                 `json:"id"`
	Image      string                 `json:"image,omitempty"`
	Source     string                 `json:"source"`
	Descriptor recognition.Descriptor `json:"descriptor"`
	AddedAt    time.Time              `json:"added_at"`
}

// Person contains all face samples enrolled under one name.
type Person struct {
	Name      string    `json:"name"`
	Samples   []Sample  `json:"samples"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ErrPersonNotFound is returned when nobody is enrolled under a name.
var ErrPersonNotFound = errors.New("person not found")

// ErrInvalidName is returned for names that cannot be stored safely.
var ErrInvalidName = errors.New("invalid name")

// ErrEncryption is returned when encryption/decryption fails.
var ErrEncryption = errors.New("encryption error")

// FileStorage stores people as files under dataDir/people.
type FileStorage struct {
	dataDir           string
	encryptionEnabled bool
	keepImages        bool
	encryptionKey     [KeySize]byte
}

// NewFileStorage creates a new FileStorage instance.
func NewFileStorage(dataDir string, encryptionEnabled, keepImages bool) (*FileStorage, error) {
	fs := &FileStorage{
		dataDir:           dataDir,
		encryptionEnabled: encryptionEnabled,
		keepImages:        keepImages,
	}

	// Derive encryption key from machine-specific information
	if encryptionEnabled {
		key, err := deriveKey()
		if err != nil {
			return nil, fmt.Errorf("failed to derive encryption key: %w", err)
		}
		fs.encryptionKey = key
	}

	if err := os.MkdirAll(filepath.Join(dataDir, peopleDir), 0700); err != nil {
		return nil, fmt.Errorf("failed to create people directory: %w", err)
	}

	return fs, nil
}

// deriveKey derives an encryption key from machine-specific information.
// This ties the encrypted data to this specific machine and user.
func deriveKey() ([KeySize]byte, error) {
	var key [KeySize]byte
	var identity strings.Builder

	// Machine ID (Linux specific)
	if machineID, err := os.ReadFile("/etc/machine-id"); err == nil {
		identity.Write(machineID)
	}

	if hostname, err := os.Hostname(); err == nil {
		identity.WriteString(hostname)
	}

	identity.WriteString(fmt.Sprintf("%d", os.Getuid()))
	identity.WriteString("welcomebot-v1-salt")

	hash := sha256.Sum256([]byte(identity.String()))
	copy(key[:], hash[:])

	return key, nil
}

// ValidateName checks that name can be used as a person name.
func ValidateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return apperr.Input("name must not be empty")
	}
	if name != strings.TrimSpace(name) {
		return apperr.WrapInput(ErrInvalidName, "name %q has leading or trailing spaces", name)
	}
	if len(name) > MaxNameLength {
		return apperr.WrapInput(ErrInvalidName, "name is longer than %d bytes", MaxNameLength)
	}
	if strings.HasPrefix(name, ".") || strings.ContainsAny(name, `/\`) {
		return apperr.WrapInput(ErrInvalidName, "name %q must not start with a dot or contain path separators", name)
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return apperr.WrapInput(ErrInvalidName, "name %q contains control characters", name)
		}
	}
	return nil
}

func (fs *FileStorage) ext() string {
	if fs.encryptionEnabled {
		return encryptExt
	}
	return plainExt
}

func (fs *FileStorage) personPath(name string) string {
	return filepath.Join(fs.dataDir, peopleDir, name+fs.ext())
}

// ImageDir returns the directory holding a person's enrolled images. Images
// live apart from the person documents so no name's directory can shadow
// another name's document.
func (fs *FileStorage) ImageDir(name string) string {
	return filepath.Join(fs.dataDir, imagesDir, name)
}

func (fs *FileStorage) imagePath(name, image string) string {
	path := filepath.Join(fs.ImageDir(name), image)
	if fs.encryptionEnabled {
		path += encryptExt
	}
	return path
}

// SavePerson writes a person document.
func (fs *FileStorage) SavePerson(p *Person) error {
	if err := ValidateName(p.Name); err != nil {
		return err
	}

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal person: %w", err)
	}

	if err := fs.writeFile(fs.personPath(p.Name), data); err != nil {
		return fmt.Errorf("failed to write person %s: %w", p.Name, err)
	}

	logging.Debugf("Saved face data for: %s", p.Name)
	return nil
}

// LoadPerson reads a person document.
func (fs *FileStorage) LoadPerson(name string) (*Person, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	data, err := fs.readFile(fs.personPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrPersonNotFound
		}
		return nil, fmt.Errorf("failed to read person %s: %w", name, err)
	}

	var p Person
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal person %s: %w", name, err)
	}

	logging.Debugf("Loaded face data for: %s", name)
	return &p, nil
}

// PersonExists checks if anyone is enrolled under name.
func (fs *FileStorage) PersonExists(name string) bool {
	if ValidateName(name) != nil {
		return false
	}
	_, err := os.Stat(fs.personPath(name))
	return err == nil
}

// ListPeople returns the enrolled names in sorted order.
func (fs *FileStorage) ListPeople() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(fs.dataDir, peopleDir))
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to list people: %w", err)
	}

	ext := fs.ext()
	people := []string{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if name := entry.Name(); strings.HasSuffix(name, ext) {
			people = append(people, strings.TrimSuffix(name, ext))
		}
	}
	sort.Strings(people)
	return people, nil
}

// LoadAll loads every enrolled person.
func (fs *FileStorage) LoadAll() ([]*Person, error) {
	names, err := fs.ListPeople()
	if err != nil {
		return nil, err
	}

	people := make([]*Person, 0, len(names))
	for _, name := range names {
		p, err := fs.LoadPerson(name)
		if err != nil {
			return nil, err
		}
		people = append(people, p)
	}
	return people, nil
}

// IsEmpty reports whether no one is enrolled.
func (fs *FileStorage) IsEmpty() (bool, error) {
	names, err := fs.ListPeople()
	if err != nil {
		return false, err
	}
	return len(names) == 0, nil
}

// Candidates flattens all samples into recognition candidates.
func (fs *FileStorage) Candidates() ([]recognition.Candidate, error) {
	people, err := fs.LoadAll()
	if err != nil {
		return nil, err
	}

	var candidates []recognition.Candidate
	for _, p := range people {
		for _, s := range p.Samples {
			candidates = append(candidates, recognition.Candidate{
				Name:       p.Name,
				SampleID:   s.ID,
				Image:      s.Image,
				Descriptor: s.Descriptor,
			})
		}
	}
	return candidates, nil
}

// NextImageName returns an unused image name of the form <name>_<n><ext>.
func (fs *FileStorage) NextImageName(name, ext string) (string, error) {
	p, err := fs.LoadPerson(name)
	if err != nil && !errors.Is(err, ErrPersonNotFound) {
		return "", err
	}

	taken := map[string]bool{}
	n := 1
	if p != nil {
		n = len(p.Samples) + 1
		for _, s := range p.Samples {
			taken[s.Image] = true
		}
	}
	for {
		candidate := fmt.Sprintf("%s_%d%s", name, n, ext)
		if !taken[candidate] {
			return candidate, nil
		}
		n++
	}
}

// AddSample stores a face sample for name, creating the person if needed.
// A sample whose image name is already enrolled replaces the old one.
// The image bytes are kept when the storage is configured to keep images.
func (fs *FileStorage) AddSample(name string, sample Sample, image []byte) (*Person, error) {
	p, err := fs.LoadPerson(name)
	if err != nil {
		if !errors.Is(err, ErrPersonNotFound) {
			return nil, err
		}
		p = &Person{Name: name, CreatedAt: time.Now()}
	}

	if sample.ID == "" {
		sample.ID = uuid.NewString()
	}
	if sample.AddedAt.IsZero() {
		sample.AddedAt = time.Now()
	}
	if sample.Image != "" && !validImageName(sample.Image) {
		return nil, apperr.WrapInput(ErrInvalidName, "image name %q", sample.Image)
	}

	replaced := false
	for i := range p.Samples {
		if sample.Image != "" && p.Samples[i].Image == sample.Image {
			p.Samples[i] = sample
			replaced = true
			break
		}
	}
	if !replaced {
		p.Samples = append(p.Samples, sample)
	}
	p.UpdatedAt = time.Now()

	if fs.keepImages && sample.Image != "" && image != nil {
		if err := os.MkdirAll(fs.ImageDir(name), 0700); err != nil {
			return nil, fmt.Errorf("failed to create image directory: %w", err)
		}
		if err := fs.writeFile(fs.imagePath(name, sample.Image), image); err != nil {
			return nil, fmt.Errorf("failed to store image %s: %w", sample.Image, err)
		}
	}

	if err := fs.SavePerson(p); err != nil {
		return nil, err
	}

	logging.WithFields(logging.Fields{
		"name":     name,
		"image":    sample.Image,
		"samples":  len(p.Samples),
		"replaced": replaced,
	}).Info("Stored face sample")
	return p, nil
}

// ReadImage returns the stored bytes of an enrolled image.
func (fs *FileStorage) ReadImage(name, image string) ([]byte, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if !validImageName(image) {
		return nil, apperr.WrapInput(ErrInvalidName, "image name %q", image)
	}
	return fs.readFile(fs.imagePath(name, image))
}

// DeletePerson removes a person's document and images.
func (fs *FileStorage) DeletePerson(name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}

	if err := os.Remove(fs.personPath(name)); err != nil {
		if os.IsNotExist(err) {
			return ErrPersonNotFound
		}
		return fmt.Errorf("failed to delete person %s: %w", name, err)
	}
	if err := os.RemoveAll(fs.ImageDir(name)); err != nil {
		return fmt.Errorf("failed to delete images of %s: %w", name, err)
	}

	logging.Infof("Deleted face data for: %s", name)
	return nil
}

func validImageName(image string) bool {
	return image != "" && !strings.HasPrefix(image, ".") && !strings.ContainsAny(image, `/\`)
}

// writeFile encrypts if enabled and replaces path atomically.
func (fs *FileStorage) writeFile(path string, data []byte) error {
	if fs.encryptionEnabled {
		var err error
		data, err = fs.encrypt(data)
		if err != nil {
			return err
		}
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

func (fs *FileStorage) readFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if fs.encryptionEnabled {
		return fs.decrypt(data)
	}
	return data, nil
}

// encrypt encrypts data using NaCl secretbox.
func (fs *FileStorage) encrypt(plaintext []byte) ([]byte, error) {
	var nonce [NonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, err
	}

	return secretbox.Seal(nonce[:], plaintext, &nonce, &fs.encryptionKey), nil
}

// decrypt decrypts data using NaCl secretbox.
func (fs *FileStorage) decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < NonceSize {
		return nil, ErrEncryption
	}

	var nonce [NonceSize]byte
	copy(nonce[:], ciphertext[:NonceSize])

	plaintext, ok := secretbox.Open(nil, ciphertext[NonceSize:], &nonce, &fs.encryptionKey)
	if !ok {
		return nil, ErrEncryption
	}

	return plaintext, nil
}
