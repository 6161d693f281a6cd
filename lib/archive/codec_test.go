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

package archive

import (
	"archive/zip"
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stepwisehq/stepwise/lib/secret"
	"github.com/stepwisehq/stepwise/lib/session"
)

func testSteps(t *testing.T) []session.Step {
	t.Helper()
	workdir := t.TempDir()
	shots := filepath.Join(workdir, "screenshots")
	require.NoError(t, os.MkdirAll(shots, 0o700))
	shotPath := filepath.Join(shots, "step-1.jpeg")
	require.NoError(t, os.WriteFile(shotPath, []byte("fake-jpeg"), 0o600))

	x, y := 10, 20
	return []session.Step{
		{
			ID:      "step-0",
			Index:   0,
			Action:  "navigate",
			ToURL:   "https://example.com",
			Trigger: "user",
		},
		{
			ID:                "step-1",
			Index:             1,
			Action:            "click",
			X:                 &x,
			Y:                 &y,
			Button:            "left",
			ScreenshotPath:    shotPath,
			ScreenshotDataURL: "data:image/jpeg;base64,ZmFrZQ==",
		},
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	steps := testSteps(t)
	createdAt := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	data, err := Export(steps, createdAt, ExportOptions{
		Title:              "How to example",
		IncludeScreenshots: true,
	})
	require.NoError(t, err)
	require.False(t, IsEncrypted(data))

	dest := t.TempDir()
	result, err := Import(data, "", dest, 200)
	require.NoError(t, err)
	require.Equal(t, "How to example", result.Title)
	require.True(t, createdAt.Equal(result.CreatedAt))
	require.Len(t, result.Steps, 2)

	// Steps match up to screenshot relocation.
	require.Equal(t, steps[0].ID, result.Steps[0].ID)
	require.Equal(t, steps[0].ToURL, result.Steps[0].ToURL)
	require.Equal(t, steps[1].Button, result.Steps[1].Button)
	require.Equal(t, 10, *result.Steps[1].X)

	imported := result.Steps[1].ScreenshotPath
	require.NotEmpty(t, imported)
	require.True(t, filepath.IsAbs(imported))
	body, err := os.ReadFile(imported)
	require.NoError(t, err)
	require.Equal(t, []byte("fake-jpeg"), body)
	require.NotEmpty(t, result.Steps[1].ScreenshotDataURL)
}

func TestExportWithoutScreenshots(t *testing.T) {
	steps := testSteps(t)
	data, err := Export(steps, time.Now(), ExportOptions{IncludeScreenshots: false})
	require.NoError(t, err)

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	for _, f := range zr.File {
		require.NotContains(t, f.Name, "step-1.jpeg")
	}

	// Import still works; the step just loses its screenshot.
	result, err := Import(data, "", t.TempDir(), 200)
	require.NoError(t, err)
	require.Empty(t, result.Steps[1].ScreenshotPath)
}

func TestEncryptedRoundTrip(t *testing.T) {
	steps := testSteps(t)
	data, err := Export(steps, time.Now(), ExportOptions{
		Password:           "pw",
		IncludeScreenshots: true,
	})
	require.NoError(t, err)
	require.True(t, IsEncrypted(data))

	// Without the password, preview reports encryption instead of
	// failing.
	preview, err := Preview(data, "")
	require.NoError(t, err)
	require.True(t, preview.Encrypted)
	require.Zero(t, preview.StepCount)

	preview, err = Preview(data, "pw")
	require.NoError(t, err)
	require.True(t, preview.Encrypted)
	require.Equal(t, 2, preview.StepCount)
	require.NotNil(t, preview.Manifest)
	require.True(t, preview.Manifest.Encrypted)

	result, err := Import(data, "pw", t.TempDir(), 200)
	require.NoError(t, err)
	require.Len(t, result.Steps, 2)
}

func TestWrongPassword(t *testing.T) {
	steps := testSteps(t)
	data, err := Export(steps, time.Now(), ExportOptions{Password: "pw"})
	require.NoError(t, err)

	_, err = Import(data, "wrong", t.TempDir(), 200)
	require.True(t, errors.Is(err, secret.ErrDecryptFailed))

	_, err = Preview(data, "wrong")
	require.True(t, errors.Is(err, secret.ErrDecryptFailed))

	_, err = Import(data, "", t.TempDir(), 200)
	require.True(t, errors.Is(err, ErrPasswordRequired))
}

func TestImportRejectsGarbage(t *testing.T) {
	// Starts with PK so it parses as an unencrypted zip, and fails.
	_, err := Import([]byte("PK\x03\x04 not really a zip"), "", t.TempDir(), 200)
	require.True(t, errors.Is(err, ErrInvalid))
}

func TestImportValidation(t *testing.T) {
	build := func(manifest, steps string) []byte {
		var buf bytes.Buffer
		zw := zip.NewWriter(&buf)
		if manifest != "" {
			w, err := zw.Create("manifest.json")
			require.NoError(t, err)
			_, err = w.Write([]byte(manifest))
			require.NoError(t, err)
		}
		if steps != "" {
			w, err := zw.Create("steps.json")
			require.NoError(t, err)
			_, err = w.Write([]byte(steps))
			require.NoError(t, err)
		}
		require.NoError(t, zw.Close())
		return buf.Bytes()
	}

	tests := []struct {
		desc     string
		manifest string
		steps    string
	}{
		{desc: "no manifest", manifest: "", steps: `[{"id":"a","action":"click","index":0}]`},
		{desc: "manifest without version", manifest: `{}`, steps: `[{"id":"a","action":"click","index":0}]`},
		{desc: "no steps", manifest: `{"version":"1.0.0"}`, steps: ""},
		{desc: "empty steps", manifest: `{"version":"1.0.0"}`, steps: `[]`},
		{desc: "malformed steps", manifest: `{"version":"1.0.0"}`, steps: `{"not":"an array"}`},
		{desc: "step missing action", manifest: `{"version":"1.0.0"}`, steps: `[{"id":"a","index":0}]`},
		{desc: "step missing id", manifest: `{"version":"1.0.0"}`, steps: `[{"action":"click","index":0}]`},
	}
	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			_, err := Import(build(tt.manifest, tt.steps), "", t.TempDir(), 200)
			require.True(t, errors.Is(err, ErrInvalid), "expected ErrInvalid, got %v", err)
		})
	}

	t.Run("too many steps", func(t *testing.T) {
		_, err := Import(build(`{"version":"1.0.0"}`,
			`[{"id":"a","action":"click","index":0},{"id":"b","action":"click","index":1}]`),
			"", t.TempDir(), 1)
		require.True(t, errors.Is(err, ErrInvalid))
	})
}

func TestScreenshotPathFallbacks(t *testing.T) {
	// An archive produced by another implementation may store the file
	// under its bare basename.
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("manifest.json")
	require.NoError(t, err)
	_, err = w.Write([]byte(`{"version":"1.0.0","title":"t"}`))
	require.NoError(t, err)
	w, err = zw.Create("steps.json")
	require.NoError(t, err)
	_, err = w.Write([]byte(`[{"id":"a","action":"click","index":0,"screenshotPath":"/old/abs/path/a.jpeg"}]`))
	require.NoError(t, err)
	w, err = zw.Create("a.jpeg")
	require.NoError(t, err)
	_, err = w.Write([]byte("img"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	dest := t.TempDir()
	result, err := Import(buf.Bytes(), "", dest, 200)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dest, "screenshots", "a.jpeg"), result.Steps[0].ScreenshotPath)
	body, err := os.ReadFile(result.Steps[0].ScreenshotPath)
	require.NoError(t, err)
	require.Equal(t, []byte("img"), body)
}
