// Package apex unpacks, mutates and re-signs APEX containers affected by
// firmware injection.
//
// An APEX container is a zip archive holding a payload filesystem image
// (apex_payload.img), a manifest (apex_manifest.pb, older containers also
// carry apex_manifest.json) and the payload verification key (apex_pubkey).
// The repackaging sequence is expressed as distinct Go types so an illegal
// transition does not compile:
//
//	Container → Unpacked → PayloadModified → Repacked → Signed → replaced
//
// Payload image extraction/rebuild and container signing are delegated to
// the PayloadCodec and Signer seams; production implementations shell out to
// the checkout's host tools (deapexer, apexer, apksigner).
package apex

import (
	"archive/zip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
)

const (
	// PayloadEntry is the filesystem image entry inside the container.
	PayloadEntry = "apex_payload.img"
	// ManifestPBEntry is the protobuf manifest entry. Treated as opaque
	// bytes; presence is validated, content is not parsed.
	ManifestPBEntry = "apex_manifest.pb"
	// ManifestJSONEntry is the JSON manifest older containers carry.
	ManifestJSONEntry = "apex_manifest.json"
	// PubkeyEntry is the payload verification key entry.
	PubkeyEntry = "apex_pubkey"
)

var (
	// ErrContainerFormat is returned when a container is missing its
	// manifest or payload image, or is not a readable zip archive.
	ErrContainerFormat = errors.New("malformed apex container")
	// ErrCapacityExceeded is returned when a rebuilt payload image does not
	// fit the container's declared capacity. Fatal for the container, not
	// for the run.
	ErrCapacityExceeded = errors.New("apex payload capacity exceeded")
	// ErrSigning is returned when the signing tool fails.
	ErrSigning = errors.New("apex signing failed")
)

// PayloadCodec extracts and rebuilds the payload filesystem image.
type PayloadCodec interface {
	// Extract unpacks the filesystem image at imagePath into destDir.
	Extract(ctx context.Context, imagePath, destDir string) error
	// Build creates a filesystem image at imagePath from the contents of
	// srcDir.
	Build(ctx context.Context, srcDir, imagePath string) error
}

// Signer computes a signature over a repacked container, in place.
type Signer interface {
	Sign(ctx context.Context, containerPath string) error
}

// Manifest is the parsed JSON manifest. Containers that only carry the
// protobuf manifest leave Name and Version zero.
type Manifest struct {
	Name    string `json:"name"`
	Version int64  `json:"version"`
}

// Container is an intact APEX container on disk. The only legal transition
// out is Unpack.
type Container struct {
	Path     string
	Manifest Manifest

	// capacity is the uncompressed size of the original payload image; a
	// rebuilt payload must not exceed it.
	capacity uint64
}

// Open validates the container structure and reads the manifest.
func Open(path string) (*Container, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v: %v", ErrContainerFormat, path, err)
	}
	defer func() {
		_ = r.Close()
	}()

	c := &Container{Path: path}
	var hasPayload, hasManifest bool
	for _, f := range r.File {
		switch f.Name {
		case PayloadEntry:
			hasPayload = true
			c.capacity = f.UncompressedSize64
		case ManifestPBEntry:
			hasManifest = true
		case ManifestJSONEntry:
			hasManifest = true
			if err := readManifest(f, &c.Manifest); err != nil {
				return nil, err
			}
		}
	}
	if !hasPayload {
		return nil, fmt.Errorf("%w: %v: missing %v", ErrContainerFormat, path, PayloadEntry)
	}
	if !hasManifest {
		return nil, fmt.Errorf("%w: %v: missing manifest", ErrContainerFormat, path)
	}
	return c, nil
}

// Capacity returns the declared payload capacity in bytes.
func (c *Container) Capacity() uint64 {
	return c.capacity
}

// Name returns the container's module name: the manifest name when the JSON
// manifest is present, the file base name otherwise.
func (c *Container) Name() string {
	if c.Manifest.Name != "" {
		return c.Manifest.Name
	}
	base := filepath.Base(c.Path)
	return base[:len(base)-len(filepath.Ext(base))]
}

func readManifest(f *zip.File, m *Manifest) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("%w: reading %v: %v", ErrContainerFormat, f.Name, err)
	}
	defer func() {
		_ = rc.Close()
	}()
	if err := json.NewDecoder(rc).Decode(m); err != nil {
		return fmt.Errorf("%w: parsing %v: %v", ErrContainerFormat, f.Name, err)
	}
	return nil
}

// Unpack extracts the container entries into a scratch directory and the
// payload image into a payload directory beneath it. The container file on
// disk is not touched.
func (c *Container) Unpack(ctx context.Context, codec PayloadCodec, scratchDir string) (*Unpacked, error) {
	entriesDir := filepath.Join(scratchDir, "entries")
	payloadDir := filepath.Join(scratchDir, "payload")
	for _, dir := range []string{entriesDir, payloadDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}

	r, err := zip.OpenReader(c.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v: %v", ErrContainerFormat, c.Path, err)
	}
	defer func() {
		_ = r.Close()
	}()
	for _, f := range r.File {
		if err := extractEntry(f, entriesDir); err != nil {
			return nil, err
		}
	}

	imagePath := filepath.Join(entriesDir, PayloadEntry)
	if err := codec.Extract(ctx, imagePath, payloadDir); err != nil {
		return nil, fmt.Errorf("%w: extracting payload of %v: %v", ErrContainerFormat, c.Path, err)
	}

	log.WithFields(log.Fields{
		"container": c.Name(),
		"scratch":   scratchDir,
	}).Debug("unpacked apex container")
	return &Unpacked{
		container:  c,
		scratchDir: scratchDir,
		entriesDir: entriesDir,
		PayloadDir: payloadDir,
	}, nil
}

func extractEntry(f *zip.File, destDir string) error {
	// container entries are flat; reject anything trying to escape
	dst := filepath.Join(destDir, filepath.FromSlash(f.Name))
	if !strings.HasPrefix(dst, filepath.Clean(destDir)+string(os.PathSeparator)) {
		return fmt.Errorf("%w: illegal entry path %v", ErrContainerFormat, f.Name)
	}
	if f.FileInfo().IsDir() {
		return os.MkdirAll(dst, 0755)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer func() {
		_ = rc.Close()
	}()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// Unpacked is a container whose entries and payload filesystem are laid out
// in a scratch directory.
type Unpacked struct {
	container  *Container
	scratchDir string
	entriesDir string

	// PayloadDir holds the extracted payload filesystem tree.
	PayloadDir string
}

// Cleanup removes the scratch directory. Safe to call at any point after
// Unpack; the original container is never inside the scratch area.
func (u *Unpacked) Cleanup() {
	if err := os.RemoveAll(u.scratchDir); err != nil {
		log.WithError(err).WithField("dir", u.scratchDir).Warn("failed to remove apex scratch dir")
	}
}

// Modified marks the payload as mutated. Callers that end up injecting
// nothing must not take this transition; they Cleanup instead and the
// container stays intact without re-signing.
func (u *Unpacked) Modified() *PayloadModified {
	return &PayloadModified{unpacked: u}
}

// PayloadModified is an unpacked container whose payload tree has been
// mutated and must be rebuilt.
type PayloadModified struct {
	unpacked *Unpacked
}

// Repack rebuilds the payload image and assembles a new container zip in
// the scratch area. A rebuilt payload larger than the original capacity is
// rejected before anything is assembled.
func (pm *PayloadModified) Repack(ctx context.Context, codec PayloadCodec) (*Repacked, error) {
	u := pm.unpacked
	c := u.container

	newImage := filepath.Join(u.scratchDir, "rebuilt_"+PayloadEntry)
	if err := codec.Build(ctx, u.PayloadDir, newImage); err != nil {
		return nil, fmt.Errorf("rebuilding payload of %v: %w", c.Name(), err)
	}
	info, err := os.Stat(newImage)
	if err != nil {
		return nil, err
	}
	if uint64(info.Size()) > c.capacity {
		return nil, fmt.Errorf("%w: %v: rebuilt payload %v bytes, capacity %v bytes",
			ErrCapacityExceeded, c.Name(), info.Size(), c.capacity)
	}

	outPath := filepath.Join(u.scratchDir, "repacked_"+filepath.Base(c.Path))
	if err := writeContainer(c.Path, newImage, outPath); err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"container": c.Name(),
		"payload":   info.Size(),
	}).Debug("repacked apex container")
	return &Repacked{unpacked: u, path: outPath}, nil
}

// writeContainer copies the original container zip, substituting the payload
// entry with the rebuilt image. Entry order and compression methods are
// preserved so a signature covers a stable layout.
func writeContainer(originalPath, newImage, outPath string) error {
	r, err := zip.OpenReader(originalPath)
	if err != nil {
		return fmt.Errorf("%w: %v: %v", ErrContainerFormat, originalPath, err)
	}
	defer func() {
		_ = r.Close()
	}()

	out, err := os.Create(outPath)
	if err != nil {
		return err
	}
	w := zip.NewWriter(out)
	for _, f := range r.File {
		if err := writeEntry(w, f, newImage); err != nil {
			_ = w.Close()
			_ = out.Close()
			return err
		}
	}
	if err := w.Close(); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func writeEntry(w *zip.Writer, f *zip.File, newImage string) error {
	header := f.FileHeader
	ew, err := w.CreateHeader(&header)
	if err != nil {
		return err
	}
	var src io.ReadCloser
	if f.Name == PayloadEntry {
		src, err = os.Open(newImage)
	} else {
		src, err = f.Open()
	}
	if err != nil {
		return err
	}
	defer func() {
		_ = src.Close()
	}()
	_, err = io.Copy(ew, src)
	return err
}

// Repacked is a rebuilt container staged in the scratch area, not yet
// signed.
type Repacked struct {
	unpacked *Unpacked
	path     string
}

// Sign signs the staged container in place.
func (r *Repacked) Sign(ctx context.Context, signer Signer) (*Signed, error) {
	if err := signer.Sign(ctx, r.path); err != nil {
		return nil, fmt.Errorf("%w: %v: %v", ErrSigning, r.unpacked.container.Name(), err)
	}
	return &Signed{unpacked: r.unpacked, path: r.path}, nil
}

// Signed is a signed, staged container ready to substitute the original.
type Signed struct {
	unpacked *Unpacked
	path     string
}

// Replace atomically substitutes the original container: the signed bytes
// are written to a temp file in the target directory and renamed over the
// original, so a crash mid-replace never leaves a half-written container.
func (s *Signed) Replace() error {
	c := s.unpacked.container
	dir := filepath.Dir(c.Path)
	tmp, err := ioutil.TempFile(dir, "."+filepath.Base(c.Path)+".tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	src, err := os.Open(s.path)
	if err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	_, err = io.Copy(tmp, src)
	_ = src.Close()
	if err == nil {
		err = tmp.Close()
	} else {
		_ = tmp.Close()
	}
	if err == nil {
		err = os.Rename(tmpPath, c.Path)
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return err
	}

	log.WithField("container", c.Name()).Info("replaced apex container with re-signed build")
	return nil
}
