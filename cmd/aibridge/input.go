package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
)

// readInputFile returns the text content of path. PDF files are converted
// to plain text; anything else is read as is.
func readInputFile(path string) (string, error) {
	if strings.EqualFold(filepath.Ext(path), ".pdf") {
		return readPDF(path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading file: %w", err)
	}
	return string(data), nil
}

func readPDF(path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening pdf: %w", err)
	}
	defer f.Close()

	text, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extracting pdf text: %w", err)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(text); err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// buildPrompt joins the prompt words and optional file content.
func buildPrompt(args []string, file string) (string, error) {
	prompt := strings.TrimSpace(strings.Join(args, " "))
	if file == "" {
		return prompt, nil
	}
	content, err := readInputFile(file)
	if err != nil {
		return "", err
	}
	if prompt == "" {
		return content, nil
	}
	return prompt + "\n\n" + content, nil
}
