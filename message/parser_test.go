package message

import (
	"errors"
	"io"
	"strings"
	"testing"
)

func TestParserNextDecodesMultipleLines(t *testing.T) {
	input := `{"type":"data","header":{"correspondenceId":"c1","subject":"s1"},"body":1}` + "\n" +
		`{"header":{"correspondenceId":"c1","subject":"s1"},"body":2}` + "\n"
	p := NewParser(strings.NewReader(input))

	m1, err := p.Next()
	if err != nil {
		t.Fatalf("Next #1: %v", err)
	}
	if m1.Type != TypeData {
		t.Errorf("m1.Type = %q, want data", m1.Type)
	}

	m2, err := p.Next()
	if err != nil {
		t.Fatalf("Next #2: %v", err)
	}
	if m2.Type != TypeUnspecified {
		t.Errorf("m2.Type = %q, want unspecified", m2.Type)
	}

	if _, err := p.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("Next #3 err = %v, want io.EOF", err)
	}
}

func TestParserSkipsBlankLines(t *testing.T) {
	input := "\n   \n" + `{"header":{"correspondenceId":"c1","subject":"s1"}}` + "\n"
	p := NewParser(strings.NewReader(input))

	m, err := p.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if m.Header.CorrespondenceID != "c1" {
		t.Errorf("CorrespondenceID = %q, want c1", m.Header.CorrespondenceID)
	}
}

func TestParserResyncsAfterFramingError(t *testing.T) {
	input := "not json at all\n" + `{"header":{"correspondenceId":"c1","subject":"s1"}}` + "\n"
	p := NewParser(strings.NewReader(input))

	_, err := p.Next()
	if !IsFraming(err) {
		t.Fatalf("Next #1 err = %v, want FramingError", err)
	}

	m, err := p.Next()
	if err != nil {
		t.Fatalf("Next #2: %v", err)
	}
	if m.Header.CorrespondenceID != "c1" {
		t.Errorf("CorrespondenceID = %q, want c1", m.Header.CorrespondenceID)
	}
}

func TestParserRejectsInvalidMessage(t *testing.T) {
	input := `{"header":{"correspondenceId":"","subject":"s1"}}` + "\n"
	p := NewParser(strings.NewReader(input))

	_, err := p.Next()
	if !IsFraming(err) {
		t.Fatalf("Next err = %v, want FramingError", err)
	}
	var ime *InvalidMessageError
	if !errors.As(err, &ime) {
		t.Errorf("underlying error is not *InvalidMessageError: %v", err)
	}
}
