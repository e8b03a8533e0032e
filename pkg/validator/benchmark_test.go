package validator

import (
	"context"
	"testing"

	"github.com/gofhir/profilevalidator/pkg/logger"
)

func init() {
	// Disable logging during tests and benchmarks
	logger.Disable()
}

func benchValidator(b *testing.B) *Validator {
	b.Helper()
	v, err := New(WithProfileDir("testdata"))
	if err != nil {
		b.Fatalf("Cannot create validator: %v", err)
	}
	return v
}

// BenchmarkValidateVersioned benchmarks validation against a pinned version.
func BenchmarkValidateVersioned(b *testing.B) {
	v := benchValidator(b)
	resource := []byte(`{"resourceType":"Patient","meta":{"profile":["` + profileURL + `|0.2.0"]}}`)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = v.Validate(context.Background(), resource)
	}
}

// BenchmarkValidateLatest benchmarks validation of an unversioned reference.
func BenchmarkValidateLatest(b *testing.B) {
	v := benchValidator(b)
	resource := []byte(`{"resourceType":"Patient","active":true,"gender":"male"}`)
	opt := ValidateWithProfile(profileURL)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = v.Validate(context.Background(), resource, opt)
	}
}

// BenchmarkValidatorCreation benchmarks the creation of a new validator.
func BenchmarkValidatorCreation(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_, _ = New(WithProfileDir("testdata"))
	}
}

// BenchmarkValidateParallel benchmarks parallel validation.
func BenchmarkValidateParallel(b *testing.B) {
	v := benchValidator(b)
	resource := []byte(`{"resourceType":"Patient","meta":{"profile":["` + profileURL + `"]}}`)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_, _ = v.Validate(context.Background(), resource)
		}
	})
}
