/*
Copyright 2024 Stepwise Contributors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package archive serializes a recording into the portable .stepwise
// container and parses it back. The container is a ZIP with
// manifest.json, steps.json and screenshots/, optionally wrapped whole
// in the password envelope from lib/secret. The layout is a wire
// contract shared with other implementations.
package archive

import (
	"archive/zip"
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/gravitational/trace"

	"github.com/stepwisehq/stepwise/lib/secret"
	"github.com/stepwisehq/stepwise/lib/session"
)

// Version is the manifest version written by this codec.
const Version = "1.0.0"

// ErrInvalid marks an archive that is not a parseable, valid recording.
var ErrInvalid = errors.New("invalid archive")

// ErrPasswordRequired marks an encrypted archive imported without a
// password.
var ErrPasswordRequired = errors.New("archive is encrypted, password required")

// Manifest is the archive's self-description.
type Manifest struct {
	Version   string    `json:"version"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	StepCount int       `json:"stepCount"`
	Encrypted bool      `json:"encrypted"`
}

// ExportOptions configures Export.
type ExportOptions struct {
	// Title is stored in the manifest.
	Title string
	// Password, when set, wraps the whole container in the encryption
	// envelope.
	Password string
	// IncludeScreenshots bundles the referenced screenshot files.
	IncludeScreenshots bool
}

// ImportResult is the outcome of a successful import.
type ImportResult struct {
	Title     string         `json:"title"`
	Steps     []session.Step `json:"steps"`
	CreatedAt time.Time      `json:"createdAt"`
}

// PreviewResult describes an archive without importing it.
type PreviewResult struct {
	Manifest  *Manifest `json:"manifest,omitempty"`
	StepCount int       `json:"stepCount"`
	Encrypted bool      `json:"encrypted"`
}

// IsEncrypted reports whether the buffer is an envelope rather than a
// plain ZIP, which always starts with "PK".
func IsEncrypted(data []byte) bool {
	return len(data) < 2 || data[0] != 0x50 || data[1] != 0x4B
}

// Export serializes steps into the container. Screenshot paths are
// rewritten to screenshots/<basename>; inline data URLs are dropped in
// favor of the bundled files.
func Export(steps []session.Step, createdAt time.Time, opts ExportOptions) ([]byte, error) {
	manifest := Manifest{
		Version:   Version,
		Title:     opts.Title,
		CreatedAt: createdAt,
		StepCount: len(steps),
		Encrypted: opts.Password != "",
	}

	out := make([]session.Step, len(steps))
	copy(out, steps)
	var screenshots []string
	for i := range out {
		out[i].ScreenshotDataURL = ""
		if out[i].ScreenshotPath == "" {
			continue
		}
		if opts.IncludeScreenshots {
			screenshots = append(screenshots, out[i].ScreenshotPath)
		}
		out[i].ScreenshotPath = path.Join("screenshots", filepath.Base(out[i].ScreenshotPath))
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	if err := writeJSONEntry(zw, "manifest.json", manifest); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := writeJSONEntry(zw, "steps.json", out); err != nil {
		return nil, trace.Wrap(err)
	}
	for _, src := range screenshots {
		data, err := os.ReadFile(src)
		if err != nil {
			return nil, trace.ConvertSystemError(err)
		}
		w, err := zw.Create(path.Join("screenshots", filepath.Base(src)))
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if _, err := w.Write(data); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, trace.Wrap(err)
	}

	if opts.Password == "" {
		return buf.Bytes(), nil
	}
	sealed, err := secret.EncryptWithPassword(buf.Bytes(), opts.Password)
	return sealed, trace.Wrap(err)
}

func writeJSONEntry(zw *zip.Writer, name string, v interface{}) error {
	w, err := zw.Create(name)
	if err != nil {
		return trace.Wrap(err)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return trace.Wrap(err)
	}
	_, err = w.Write(data)
	return trace.Wrap(err)
}

// contents is the parsed container before validation.
type contents struct {
	manifest *Manifest
	steps    []session.Step
	rawSteps bool
	files    map[string][]byte
}

func parse(data []byte, password string) (*contents, error) {
	if IsEncrypted(data) {
		if password == "" {
			return nil, trace.Wrap(ErrPasswordRequired)
		}
		plain, err := secret.DecryptWithPassword(data, password)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		data = plain
	}

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, trace.Wrap(ErrInvalid, "not a zip container: %v", err)
	}

	c := &contents{files: make(map[string][]byte)}
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		body, err := readZipFile(f)
		if err != nil {
			return nil, trace.Wrap(ErrInvalid, "reading %v: %v", f.Name, err)
		}
		switch f.Name {
		case "manifest.json":
			// Tolerant: unknown or missing fields default.
			var m Manifest
			if err := json.Unmarshal(body, &m); err == nil {
				c.manifest = &m
			}
		case "steps.json":
			if err := json.Unmarshal(body, &c.steps); err != nil {
				return nil, trace.Wrap(ErrInvalid, "malformed steps.json: %v", err)
			}
			c.rawSteps = true
		default:
			c.files[f.Name] = body
		}
	}
	return c, nil
}

func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rc.Close()
	body, err := io.ReadAll(rc)
	return body, trace.Wrap(err)
}

func (c *contents) validate(maxSteps int) error {
	if c.manifest == nil || c.manifest.Version == "" {
		return trace.Wrap(ErrInvalid, "missing manifest version")
	}
	if !c.rawSteps || len(c.steps) == 0 {
		return trace.Wrap(ErrInvalid, "missing or empty steps")
	}
	if maxSteps > 0 && len(c.steps) > maxSteps {
		return trace.Wrap(ErrInvalid, "archive has %d steps, limit is %d", len(c.steps), maxSteps)
	}
	for i, step := range c.steps {
		if step.ID == "" || step.Action == "" {
			return trace.Wrap(ErrInvalid, "step %d is missing id or action", i)
		}
		if step.Index < 0 {
			return trace.Wrap(ErrInvalid, "step %d has negative index", i)
		}
	}
	return nil
}

// findScreenshot resolves a step's screenshot against the bundled
// files, tolerating archives produced with other path conventions.
func (c *contents) findScreenshot(stepPath string) []byte {
	if stepPath == "" {
		return nil
	}
	base := filepath.Base(stepPath)
	for _, candidate := range []string{
		strings.TrimPrefix(stepPath, "/"),
		path.Join("screenshots", base),
		base,
	} {
		if data, ok := c.files[candidate]; ok {
			return data
		}
	}
	return nil
}

// Import parses, validates and materializes an archive: screenshots
// are written under destDir/screenshots and step paths rewritten to
// their new location.
func Import(data []byte, password, destDir string, maxSteps int) (*ImportResult, error) {
	c, err := parse(data, password)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := c.validate(maxSteps); err != nil {
		return nil, trace.Wrap(err)
	}

	screenshotDir := filepath.Join(destDir, "screenshots")
	if err := os.MkdirAll(screenshotDir, 0o700); err != nil {
		return nil, trace.ConvertSystemError(err)
	}

	steps := make([]session.Step, len(c.steps))
	copy(steps, c.steps)
	for i := range steps {
		shot := c.findScreenshot(steps[i].ScreenshotPath)
		if shot == nil {
			steps[i].ScreenshotPath = ""
			steps[i].ScreenshotDataURL = ""
			continue
		}
		dest := filepath.Join(screenshotDir, filepath.Base(steps[i].ScreenshotPath))
		if err := os.WriteFile(dest, shot, 0o600); err != nil {
			return nil, trace.ConvertSystemError(err)
		}
		steps[i].ScreenshotPath = dest
		steps[i].ScreenshotDataURL = "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(shot)
	}

	return &ImportResult{
		Title:     c.manifest.Title,
		Steps:     steps,
		CreatedAt: c.manifest.CreatedAt,
	}, nil
}

// Preview inspects an archive without materializing it. An encrypted
// archive probed without a password is not an error; the caller uses
// the Encrypted flag to prompt for one.
func Preview(data []byte, password string) (*PreviewResult, error) {
	if IsEncrypted(data) && password == "" {
		return &PreviewResult{Encrypted: true}, nil
	}
	c, err := parse(data, password)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &PreviewResult{
		Manifest:  c.manifest,
		StepCount: len(c.steps),
		Encrypted: IsEncrypted(data),
	}, nil
}
