// Package migrations embeds the SQL schema migrations and validates
// them before they are handed to the migration engine.
//
// Migration files follow the strict naming standard
// 001_name.up.sql / 001_name.down.sql. The embedded filesystem is
// consumed by cmd/migrator and by the integration-test database
// helpers through the golang-migrate iofs source driver, so the
// binary never depends on migration files being present on disk.
package migrations

import (
	"crypto/sha256"
	"embed"
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
)

//go:embed *.sql
var embedded embed.FS

// Migration filename regex: 001_migration_name.up.sql or 001_migration_name.down.sql
var filenameRegex = regexp.MustCompile(`^(\d{3})_([a-zA-Z0-9_]+)\.(up|down)\.sql$`)

type (
	// Source provides validated access to a set of migration files.
	// Validation covers filename format, up/down pairing, sequence
	// continuity, and checksum integrity across repeated validations.
	// Construct instances with NewSource; the zero value is not usable.
	Source struct {
		fs        fs.FS
		checksums map[string]string // filename -> checksum for integrity checking
	}

	// File contains parsed information about a migration filename.
	File struct {
		Sequence  int
		Name      string
		Direction string // "up" or "down"
		Filename  string
	}
)

// NewSource creates a migration source over the given filesystem.
// Pass nil to use the migrations embedded in the binary.
func NewSource(filesystem fs.FS) *Source {
	if filesystem == nil {
		filesystem = embedded
	}

	return &Source{
		fs:        filesystem,
		checksums: make(map[string]string),
	}
}

// FS returns the underlying migration filesystem. It is suitable for
// the golang-migrate iofs source driver rooted at ".".
func (s *Source) FS() fs.FS {
	return s.fs
}

// List returns all migration files that conform to the strict naming
// standard, sorted lexicographically. With three-digit sequence
// prefixes the lexicographic order is also the numeric order. Files
// with invalid names are excluded to prevent operational mistakes.
func (s *Source) List() ([]string, error) {
	entries, err := fs.ReadDir(s.fs, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var files []string

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		filename := entry.Name()
		if filepath.Ext(filename) == ".sql" && filenameRegex.MatchString(filename) {
			files = append(files, filename)
		}
	}

	sort.Strings(files)

	return files, nil
}

// Content returns the content of a single migration file.
func (s *Source) Content(filename string) ([]byte, error) {
	return fs.ReadFile(s.fs, filename)
}

// Validate performs full validation of the migration files: filename
// format, up/down pairing, sequence continuity, and checksum integrity
// against checksums captured by a previous Validate call on the same
// source.
func (s *Source) Validate() error {
	files, err := s.List()
	if err != nil {
		return err
	}

	if len(files) == 0 {
		return fmt.Errorf("no migration files found")
	}

	for _, file := range files {
		if _, err := s.Content(file); err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", file, err)
		}
	}

	if err := s.validateFilenames(files); err != nil {
		return err
	}

	if err := s.validatePairing(files); err != nil {
		return err
	}

	if err := s.validateSequence(files); err != nil {
		return err
	}

	if len(s.checksums) > 0 {
		if err := s.validateChecksums(files); err != nil {
			return err
		}
	}

	// Store checksums so the next validation detects tampering.
	for _, file := range files {
		content, err := s.Content(file)
		if err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", file, err)
		}

		s.checksums[file] = checksum(content)
	}

	return nil
}

// MaxSequence returns the highest migration sequence number, or zero
// when no valid migration files exist.
func (s *Source) MaxSequence() int {
	files, err := s.List()
	if err != nil {
		return 0
	}

	maxSequence := 0

	for _, filename := range files {
		if migration, err := parseFilename(filename); err == nil {
			if migration.Sequence > maxSequence {
				maxSequence = migration.Sequence
			}
		}
	}

	return maxSequence
}

// parseFilename parses a migration filename and extracts its components.
func parseFilename(filename string) (*File, error) {
	matches := filenameRegex.FindStringSubmatch(filename)
	if len(matches) != 4 {
		return nil, fmt.Errorf(
			"invalid migration filename format: %s (expected: 001_name.up.sql or 001_name.down.sql)",
			filename,
		)
	}

	sequence, err := strconv.Atoi(matches[1])
	if err != nil {
		return nil, fmt.Errorf("invalid sequence number in filename %s: %w", filename, err)
	}

	return &File{
		Sequence:  sequence,
		Name:      matches[2],
		Direction: matches[3],
		Filename:  filename,
	}, nil
}

// validateFilenames checks that every file follows the naming standard.
func (s *Source) validateFilenames(files []string) error {
	for _, file := range files {
		if _, err := parseFilename(file); err != nil {
			return fmt.Errorf("filename validation failed for %s: %w", file, err)
		}
	}

	return nil
}

// validatePairing ensures every up migration has a matching down
// migration and vice versa.
func (s *Source) validatePairing(files []string) error {
	migrations := make(map[string]map[string]*File) // sequence_name -> direction -> file

	for _, file := range files {
		migration, err := parseFilename(file)
		if err != nil {
			return err // caught earlier by filename validation
		}

		key := fmt.Sprintf("%03d_%s", migration.Sequence, migration.Name)
		if migrations[key] == nil {
			migrations[key] = make(map[string]*File)
		}

		migrations[key][migration.Direction] = migration
	}

	for key, directions := range migrations {
		if len(directions) != 2 {
			if _, hasUp := directions["up"]; !hasUp {
				return fmt.Errorf("orphaned down migration: missing up migration for %s", key)
			}

			if _, hasDown := directions["down"]; !hasDown {
				return fmt.Errorf("orphaned up migration: missing down migration for %s", key)
			}
		}
	}

	return nil
}

// validateSequence ensures sequence numbers start at 001 and have no gaps.
func (s *Source) validateSequence(files []string) error {
	sequences := make(map[int]bool)

	for _, file := range files {
		migration, err := parseFilename(file)
		if err != nil {
			return err // caught earlier by filename validation
		}

		sequences[migration.Sequence] = true
	}

	var sequenceNumbers []int
	for seq := range sequences {
		sequenceNumbers = append(sequenceNumbers, seq)
	}

	sort.Ints(sequenceNumbers)

	if len(sequenceNumbers) == 0 {
		return nil
	}

	if sequenceNumbers[0] != 1 {
		return fmt.Errorf(
			"migration sequence should start with 001, but found %03d",
			sequenceNumbers[0],
		)
	}

	for i := 1; i < len(sequenceNumbers); i++ {
		expected := sequenceNumbers[i-1] + 1
		if actual := sequenceNumbers[i]; actual != expected {
			return fmt.Errorf(
				"gap in migration sequence: expected %03d, found %03d",
				expected,
				actual,
			)
		}
	}

	return nil
}

// validateChecksums verifies that migration files have not been
// modified since the checksums were captured.
func (s *Source) validateChecksums(files []string) error {
	for _, file := range files {
		content, err := s.Content(file)
		if err != nil {
			return fmt.Errorf("failed to read file %s for checksum validation: %w", file, err)
		}

		if stored, exists := s.checksums[file]; exists {
			if checksum(content) != stored {
				return fmt.Errorf("checksum mismatch for %s: file has been modified", file)
			}
		}
	}

	return nil
}

// checksum calculates the SHA256 checksum of content.
func checksum(content []byte) string {
	hash := sha256.Sum256(content)

	return fmt.Sprintf("%x", hash)
}
