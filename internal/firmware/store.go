// Package firmware serves lock upgrade images from a directory.
//
// Each lock model has one image, "<device type>.bin", and a version file,
// "<device type>.version", holding either "V1.2.0" or the three-digit form
// "120". Images are split into fixed-size packets that locks request one at
// a time during an upgrade.
package firmware

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/lockgate/internal/bridges/omni"
)

const (
	// DefaultChunkSize is the packet size used when none is configured.
	DefaultChunkSize = 128

	// MaxChunkSize keeps a hex-encoded packet inside one protocol frame.
	MaxChunkSize = 480
)

type image struct {
	info    omni.FirmwareImage
	data    []byte
	modTime time.Time
}

// Store serves firmware images from a file system. It implements
// omni.FirmwareStore. Images are cached and reloaded when the file's
// modification time changes.
type Store struct {
	fsys      fs.FS
	chunkSize int

	mu    sync.Mutex
	cache map[string]*image
}

// NewDirStore creates a Store over a directory on disk.
func NewDirStore(dir string, chunkSize int) *Store {
	return NewStore(os.DirFS(dir), chunkSize)
}

// NewStore creates a Store over fsys. chunkSize is clamped to
// (0, MaxChunkSize]; zero or negative selects DefaultChunkSize.
func NewStore(fsys fs.FS, chunkSize int) *Store {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if chunkSize > MaxChunkSize {
		chunkSize = MaxChunkSize
	}
	return &Store{fsys: fsys, chunkSize: chunkSize, cache: make(map[string]*image)}
}

// Image describes the current image for deviceType.
func (s *Store) Image(_ context.Context, deviceType string) (omni.FirmwareImage, error) {
	img, err := s.load(deviceType)
	if err != nil {
		return omni.FirmwareImage{}, err
	}
	return img.info, nil
}

// Chunk returns packet index of deviceType's image with its CRC.
func (s *Store) Chunk(_ context.Context, deviceType string, index int) (omni.FirmwareChunk, error) {
	img, err := s.load(deviceType)
	if err != nil {
		return omni.FirmwareChunk{}, err
	}
	if index < 0 || index >= img.info.Packets {
		return omni.FirmwareChunk{}, fmt.Errorf("%w: packet %d of %d for %s",
			omni.ErrFirmwareNotFound, index, img.info.Packets, deviceType)
	}

	start := index * s.chunkSize
	end := min(start+s.chunkSize, len(img.data))
	data := img.data[start:end]
	return omni.FirmwareChunk{Index: index, CRC: CRC16(data), Data: data}, nil
}

// Available lists the device types with an image in the store.
func (s *Store) Available() ([]string, error) {
	matches, err := fs.Glob(s.fsys, "*.bin")
	if err != nil {
		return nil, fmt.Errorf("listing firmware: %w", err)
	}
	types := make([]string, 0, len(matches))
	for _, m := range matches {
		types = append(types, strings.TrimSuffix(m, ".bin"))
	}
	return types, nil
}

func (s *Store) load(deviceType string) (*image, error) {
	if !validDeviceType(deviceType) {
		return nil, fmt.Errorf("%w: invalid device type %q", omni.ErrFirmwareNotFound, deviceType)
	}
	name := deviceType + ".bin"

	st, err := fs.Stat(s.fsys, name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", omni.ErrFirmwareNotFound, deviceType, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if cached, ok := s.cache[deviceType]; ok && cached.modTime.Equal(st.ModTime()) {
		return cached, nil
	}

	data, err := fs.ReadFile(s.fsys, name)
	if err != nil {
		return nil, fmt.Errorf("reading firmware %s: %w", name, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", omni.ErrFirmwareNotFound, name)
	}

	version, err := s.readVersion(deviceType)
	if err != nil {
		return nil, err
	}

	img := &image{
		info: omni.FirmwareImage{
			DeviceType: deviceType,
			Version:    version,
			Size:       len(data),
			Packets:    (len(data) + s.chunkSize - 1) / s.chunkSize,
			CRC:        CRC16(data),
		},
		data:    data,
		modTime: st.ModTime(),
	}
	s.cache[deviceType] = img
	return img, nil
}

func (s *Store) readVersion(deviceType string) (string, error) {
	raw, err := fs.ReadFile(s.fsys, deviceType+".version")
	if err != nil {
		return "", fmt.Errorf("%w: version for %s: %w", omni.ErrFirmwareNotFound, deviceType, err)
	}
	v := strings.TrimSpace(string(raw))
	if v == "" {
		return "", fmt.Errorf("%w: version for %s is empty", omni.ErrFirmwareNotFound, deviceType)
	}
	if strings.HasPrefix(v, "V") {
		return v, nil
	}
	return omni.FormatVersion(v), nil
}

func validDeviceType(t string) bool {
	if t == "" || len(t) > 32 {
		return false
	}
	for _, r := range t {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}
