package logger

import (
	"regexp"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// stripANSI removes ANSI color codes from a string for testing
func stripANSI(str string) string {
	ansiRegex := regexp.MustCompile(`\x1b\[[0-9;]*m`)
	return ansiRegex.ReplaceAllString(str, "")
}

// TestMinimalEncoderNeverDiscardsFields is a CRITICAL test that ensures
// the minimal encoder NEVER silently discards log fields.
// This test MUST pass to prevent loss of debugging information.
func TestMinimalEncoderNeverDiscardsFields(t *testing.T) {
	// Create a minimal encoder
	encoder := newMinimalEncoder()

	// Create an entry with MANY different field types and names
	// to ensure nothing gets silently dropped
	entry := zapcore.Entry{
		Level:      zapcore.InfoLevel,
		Time:       time.Now(),
		LoggerName: "test",
		Message:    "Testing field preservation",
	}

	// Test fields that MUST appear in output
	testFields := []struct {
		field    zapcore.Field
		mustFind string // What we must find in the output
	}{
		// Business fields without dedicated formatting
		{zap.String("tier", "fast"), "tier=fast"},
		{zap.String("stage", "web_archive"), "stage=web_archive"},
		{zap.Float64("reliability", 0.8), "reliability=0.8"},
		{zap.Bool("disabled", true), "disabled=true"},
		{zap.Strings("tags", []string{"web", "news"}), "tags"},
		{zap.Strings("stage_chain", []string{"fast_render", "direct_fetch"}), "stage_chain"},

		// Random field names that should NEVER be dropped
		{zap.String("random_field_xyz", "important_data"), "random_field_xyz=important_data"},
		{zap.Int("critical_count", 999), "critical_count=999"},
		{zap.String("user_action", "delete_database"), "user_action=delete_database"},
		{zap.String("error_details", "null pointer exception"), "error_details=null pointer exception"},

		// Fields with underscores, hyphens, dots (edge cases)
		{zap.String("field_with_underscores", "test"), "field_with_underscores=test"},
		{zap.String("field.with.dots", "test2"), "field.with.dots=test2"},

		// Numeric fields
		{zap.Int32("int32_field", 42), "int32_field=42"},
		{zap.Int64("int64_field", 9999999), "int64_field=9999999"},
		{zap.Float32("float32_field", 3.14), "float32_field=3.14"},

		// Boolean fields
		{zap.Bool("success", false), "success=false"},

		// Error fields (critical for debugging!)
		{zap.Error(nil), ""}, // nil error shouldn't crash
		{zap.String("error", "something went wrong"), "error=something went wrong"},

		// Fields with dedicated formatting (should still work)
		{zap.String("run_id", "r_7GxK"), "r_7GxK"}, // Special formatting
		{zap.Int("results", 12), "12"},             // Coverage stats
		{zap.Int("engines", 5), "5"},               // Coverage stats
	}

	// Encode all fields at once
	var allFields []zapcore.Field
	for _, tf := range testFields {
		allFields = append(allFields, tf.field)
	}

	buf, err := encoder.EncodeEntry(entry, allFields)
	if err != nil {
		t.Fatalf("Failed to encode entry: %v", err)
	}

	output := buf.String()
	// Strip ANSI color codes for testing
	cleanOutput := stripANSI(output)

	// CRITICAL: Check that EVERY field appears in the output
	missingFields := []string{}
	for _, tf := range testFields {
		if tf.mustFind != "" && !strings.Contains(cleanOutput, tf.mustFind) {
			missingFields = append(missingFields, tf.mustFind)
			t.Errorf("CRITICAL: Field was silently discarded from log output: %s", tf.mustFind)
		}
	}

	if len(missingFields) > 0 {
		t.Fatalf("CRITICAL BUG: Logger is silently discarding %d fields! Missing: %v\nClean output was: %s\nRaw output was: %s",
			len(missingFields), missingFields, cleanOutput, output)
	}
}

// TestMinimalEncoderFieldCount ensures that the NUMBER of fields in equals
// the number of fields that appear in the output (minus special formatting)
func TestMinimalEncoderFieldCount(t *testing.T) {
	encoder := newMinimalEncoder()

	entry := zapcore.Entry{
		Level:      zapcore.InfoLevel,
		Time:       time.Now(),
		LoggerName: "test",
		Message:    "Field count test",
	}

	// Add exactly 10 unique fields
	fields := []zapcore.Field{
		zap.String("field1", "value1"),
		zap.String("field2", "value2"),
		zap.String("field3", "value3"),
		zap.String("field4", "value4"),
		zap.String("field5", "value5"),
		zap.Int("field6", 6),
		zap.Int("field7", 7),
		zap.Bool("field8", true),
		zap.Float64("field9", 9.9),
		zap.String("field10", "value10"),
	}

	buf, err := encoder.EncodeEntry(entry, fields)
	if err != nil {
		t.Fatalf("Failed to encode: %v", err)
	}

	output := buf.String()

	// Count how many field assignments appear (looking for = sign)
	// Each field should produce a "key=value" pattern
	fieldCount := strings.Count(output, "field1=") +
		strings.Count(output, "field2=") +
		strings.Count(output, "field3=") +
		strings.Count(output, "field4=") +
		strings.Count(output, "field5=") +
		strings.Count(output, "field6=") +
		strings.Count(output, "field7=") +
		strings.Count(output, "field8=") +
		strings.Count(output, "field9=") +
		strings.Count(output, "field10=")

	if fieldCount != 10 {
		t.Errorf("Expected 10 fields in output, but found %d. Output: %s", fieldCount, output)
	}
}

// TestDispatchSummaryLogging tests the compact formatting used for batch
// dispatch summaries: run IDs, result/engine coverage stats, and durations.
func TestDispatchSummaryLogging(t *testing.T) {
	encoder := newMinimalEncoder()

	entry := zapcore.Entry{
		Level:      zapcore.InfoLevel,
		Time:       time.Now(),
		LoggerName: "cascade.scheduler",
		Message:    "Dispatch completed",
	}

	fields := []zapcore.Field{
		zap.String("run_id", "r_7GxK"),
		zap.Int("results", 12),
		zap.Int("engines", 5),
		zap.Int64("duration_ms", 142),
		zap.String("strategy", "ranked"),
	}

	buf, err := encoder.EncodeEntry(entry, fields)
	if err != nil {
		t.Fatalf("Failed to encode dispatch summary log: %v", err)
	}

	output := buf.String()
	cleanOutput := stripANSI(output)

	required := []string{
		"c.scheduler", // abbreviated component name
		"r_7GxK",
		"(12 results, 5 engines)",
		"142ms",
		"strategy=ranked",
	}

	for _, want := range required {
		if !strings.Contains(cleanOutput, want) {
			t.Errorf("Dispatch summary missing from log: %s\nFull output: %s", want, cleanOutput)
		}
	}
}

// TestResultCountWithoutEngines ensures that an unpaired coverage stat
// still renders instead of vanishing.
func TestResultCountWithoutEngines(t *testing.T) {
	encoder := newMinimalEncoder()

	entry := zapcore.Entry{
		Level:      zapcore.InfoLevel,
		Time:       time.Now(),
		LoggerName: "merge",
		Message:    "Merged result sets",
	}

	buf, err := encoder.EncodeEntry(entry, []zapcore.Field{zap.Int("results", 7)})
	if err != nil {
		t.Fatalf("Failed to encode: %v", err)
	}

	cleanOutput := stripANSI(buf.String())
	if !strings.Contains(cleanOutput, "results=7") {
		t.Errorf("Unpaired result count dropped from output: %s", cleanOutput)
	}
}

func TestAbbreviateName(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"cascade.scheduler", "c.scheduler"},
		{"slot.loop", "s.loop"},
		{"server", "server"},
		{"engine.sources.wikipedia", "e.sources.wikipedia"},
	}

	for _, tt := range tests {
		if got := abbreviateName(tt.name); got != tt.want {
			t.Errorf("abbreviateName(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}

// TestUnknownFieldTypes tests that the encoder handles all possible field types
// without crashing or silently dropping them
func TestUnknownFieldTypes(t *testing.T) {
	encoder := newMinimalEncoder()

	entry := zapcore.Entry{
		Level:      zapcore.InfoLevel,
		Time:       time.Now(),
		LoggerName: "test",
		Message:    "Testing unknown field types",
	}

	// Test various field types including complex ones
	fields := []zapcore.Field{
		zap.Complex128("complex", complex(1.0, 2.0)),
		zap.Complex64("complex64", complex64(complex(3.0, 4.0))),
		zap.Duration("duration", 5*time.Second),
		zap.Time("timestamp", time.Now()),
		zap.Uint("uint", 100),
		zap.Uint8("uint8", 200),
		zap.Uint16("uint16", 30000),
		zap.Uint32("uint32", 4000000),
		zap.Uint64("uint64", 5000000000),
		zap.Uintptr("uintptr", 0xDEADBEEF),
		zap.ByteString("bytes", []byte("hello world")),
		zap.Binary("binary", []byte{0x01, 0x02, 0x03}),
	}

	buf, err := encoder.EncodeEntry(entry, fields)
	if err != nil {
		t.Fatalf("Failed to encode complex types: %v", err)
	}

	output := buf.String()
	cleanOutput := stripANSI(output)

	// Verify that SOME representation of each field appears
	// We don't care about exact formatting, just that it's not silently dropped
	expectedSubstrings := []string{
		"complex",
		"complex64",
		"duration",
		"timestamp",
		"uint",
		"bytes",
		"binary",
	}

	for _, expected := range expectedSubstrings {
		if !strings.Contains(cleanOutput, expected) {
			t.Errorf("Field with key '%s' was completely dropped from output: %s", expected, cleanOutput)
		}
	}
}
