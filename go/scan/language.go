package scan

import (
	"bytes"
	"path/filepath"
	"strings"
)

// Language is a detected source language. Values are lower-case names shared
// with the extractor's recognizer registry.
type Language string

const (
	LangGo         Language = "go"
	LangJavaScript Language = "javascript"
	LangTypeScript Language = "typescript"
	LangPython     Language = "python"
	LangUnknown    Language = "unknown"
)

var extLanguages = map[string]Language{
	".go":  LangGo,
	".js":  LangJavaScript,
	".jsx": LangJavaScript,
	".mjs": LangJavaScript,
	".cjs": LangJavaScript,
	".ts":  LangTypeScript,
	".tsx": LangTypeScript,
	".py":  LangPython,
	".pyi": LangPython,
}

// DetectLanguage maps a path (and, for ambiguous cases, a short content
// sniff) to a Language. Content may be nil when only the extension matters.
func DetectLanguage(path string, content []byte) Language {
	if l, ok := extLanguages[strings.ToLower(filepath.Ext(path))]; ok {
		return l
	}
	return sniffLanguage(content)
}

// sniffLanguage inspects the first bytes of extensionless or ambiguous
// files: a shebang line or an unmistakable keyword is enough.
func sniffLanguage(content []byte) Language {
	if len(content) == 0 {
		return LangUnknown
	}
	var head = content
	if len(head) > 512 {
		head = head[:512]
	}

	if bytes.HasPrefix(head, []byte("#!")) {
		var line = head
		if i := bytes.IndexByte(line, '\n'); i >= 0 {
			line = line[:i]
		}
		switch {
		case bytes.Contains(line, []byte("python")):
			return LangPython
		case bytes.Contains(line, []byte("node")):
			return LangJavaScript
		}
	}
	switch {
	case bytes.Contains(head, []byte("package ")) && bytes.Contains(head, []byte("func ")):
		return LangGo
	case bytes.Contains(head, []byte("def ")) && bytes.Contains(head, []byte("import ")):
		return LangPython
	}
	return LangUnknown
}

// isBinary reports whether content looks like a binary blob: a NUL byte in
// the first KiB disqualifies a file from parsing.
func isBinary(content []byte) bool {
	var head = content
	if len(head) > 1024 {
		head = head[:1024]
	}
	return bytes.IndexByte(head, 0) >= 0
}
