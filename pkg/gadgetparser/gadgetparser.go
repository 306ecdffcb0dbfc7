// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package gadgetparser incrementally parses a model's text stream into
// Text and GadgetCall events, using three configurable markers that
// delimit a gadget call: a start marker followed by a header line, zero or
// more argument sections, and an end marker.
//
// A Parser is restartable and stateless between iterations: the Agent
// Loop constructs a fresh one for every iteration rather than reusing one
// across a conversation.
package gadgetparser

import (
	"iter"
	"regexp"
	"strconv"
	"strings"
)

// Config holds the three markers a Parser recognizes. The start marker is
// recognized anywhere in a line (any text before it is emitted as plain
// text). Inside a call, a line whose whitespace-trimmed text begins with
// the arg marker starts a parameter, and a line whose whitespace-trimmed
// text equals the end marker closes the call; see spec.md's wire format.
type Config struct {
	StartMarker string
	ArgMarker   string
	EndMarker   string
}

// DefaultConfig returns the markers used by the reference wire format.
func DefaultConfig() Config {
	return Config{StartMarker: "{START}", ArgMarker: "{ARG}", EndMarker: "{END}"}
}

// EventKind distinguishes the two event shapes a Parser emits.
type EventKind int

const (
	EventText EventKind = iota
	EventGadgetCall
)

// Event is one item of a Parser's output sequence.
type Event struct {
	Kind EventKind

	// Text holds the plain-text content when Kind == EventText.
	Text string

	// Call holds the parsed call when Kind == EventGadgetCall.
	Call ParsedGadgetCall
}

// ParsedGadgetCall is what the parser hands the scheduler for one gadget
// call. ParseError is non-empty when the call was malformed or truncated;
// the scheduler, not the parser, decides whether to still attempt
// execution.
type ParsedGadgetCall struct {
	Name         string
	InvocationID string
	Dependencies []string
	Params       map[string]any
	ParseError   string
}

var heredocOpenPattern = regexp.MustCompile(`^<<([A-Za-z_][A-Za-z0-9_]*)$`)

// Parser is a single-use, single-goroutine incremental parser. It is not
// safe for concurrent calls to Feed/Finalize.
type Parser struct {
	cfg Config

	pending strings.Builder // bytes of an incomplete trailing line

	inCall  bool
	header  string
	counter int64

	currentKey        string
	currentValueLines []string
	inHeredoc         bool
	heredocSentinel   string

	params     map[string]any
	parseError string
}

// New creates a Parser using cfg. A zero Config is replaced with
// DefaultConfig.
func New(cfg Config) *Parser {
	if cfg.StartMarker == "" && cfg.ArgMarker == "" && cfg.EndMarker == "" {
		cfg = DefaultConfig()
	}
	return &Parser{cfg: cfg}
}

// Feed consumes fragment and returns the events it completes. Text before
// a start marker is emitted as soon as its line is complete; text between
// a start and end marker is buffered internally and only surfaces as part
// of the eventual GadgetCall.
func (p *Parser) Feed(fragment string) iter.Seq[Event] {
	events := p.feed(fragment)
	return func(yield func(Event) bool) {
		for _, e := range events {
			if !yield(e) {
				return
			}
		}
	}
}

// Finalize flushes any trailing partial line as a final Text event, and —
// if a start marker was seen but no end marker ever arrived — emits the
// partial call with ParseError set, per spec.md §4.1 ("implementations
// MUST NOT silently drop it").
func (p *Parser) Finalize() iter.Seq[Event] {
	var events []Event

	if p.pending.Len() > 0 {
		// This fragment was never terminated by an actual newline in the
		// source stream, so processLine must not fabricate one.
		events = append(events, p.processLine(p.pending.String(), false)...)
		p.pending.Reset()
	}

	if p.inCall {
		p.finalizeCurrentValue()
		call := ParsedGadgetCall{Params: p.params}
		call.Name, call.InvocationID, call.Dependencies = p.parseHeader(p.header)
		if p.parseError != "" {
			call.ParseError = p.parseError
		} else {
			call.ParseError = "gadget call truncated: no end marker received"
		}
		events = append(events, Event{Kind: EventGadgetCall, Call: call})
		p.resetCallState()
	}

	return func(yield func(Event) bool) {
		for _, e := range events {
			if !yield(e) {
				return
			}
		}
	}
}

func (p *Parser) feed(fragment string) []Event {
	p.pending.WriteString(fragment)
	buf := p.pending.String()
	p.pending.Reset()

	var events []Event
	for {
		idx := strings.IndexByte(buf, '\n')
		if idx < 0 {
			p.pending.WriteString(buf)
			break
		}
		line := buf[:idx]
		buf = buf[idx+1:]
		events = append(events, p.processLine(line, true)...)
	}
	return events
}

// processLine handles one complete line (newline already stripped) and
// returns any events it produces. terminated reports whether line was
// actually followed by a '\n' in the source stream: Finalize passes false
// for its trailing force-flush, since fabricating a newline that was never
// part of the model's output would break the verbatim round-trip spec.md
// §6 requires.
func (p *Parser) processLine(line string, terminated bool) []Event {
	suffix := ""
	if terminated {
		suffix = "\n"
	}

	if !p.inCall {
		idx := strings.Index(line, p.cfg.StartMarker)
		if idx < 0 {
			return []Event{{Kind: EventText, Text: line + suffix}}
		}

		var events []Event
		if idx > 0 {
			events = append(events, Event{Kind: EventText, Text: line[:idx] + suffix})
		}
		p.inCall = true
		p.header = line[idx+len(p.cfg.StartMarker):]
		p.params = make(map[string]any)
		p.parseError = ""
		p.currentKey = ""
		p.currentValueLines = nil
		p.inHeredoc = false
		return events
	}

	trimmed := strings.TrimSpace(line)

	if p.inHeredoc {
		if trimmed == p.heredocSentinel {
			p.inHeredoc = false
		} else {
			p.currentValueLines = append(p.currentValueLines, line)
		}
		return nil
	}

	if trimmed == p.cfg.EndMarker {
		p.finalizeCurrentValue()
		call := ParsedGadgetCall{Params: p.params}
		call.Name, call.InvocationID, call.Dependencies = p.parseHeader(p.header)
		call.ParseError = p.parseError
		p.resetCallState()
		return []Event{{Kind: EventGadgetCall, Call: call}}
	}

	if strings.HasPrefix(trimmed, p.cfg.ArgMarker) {
		p.finalizeCurrentValue()
		p.currentKey = strings.TrimSpace(trimmed[len(p.cfg.ArgMarker):])
		p.currentValueLines = nil
		return nil
	}

	if p.currentKey == "" {
		if p.parseError == "" {
			p.parseError = "malformed argument: content before first " + p.cfg.ArgMarker + " section"
		}
		return nil
	}

	if len(p.currentValueLines) == 0 {
		if m := heredocOpenPattern.FindStringSubmatch(trimmed); m != nil {
			p.inHeredoc = true
			p.heredocSentinel = m[1]
			return nil
		}
	}

	p.currentValueLines = append(p.currentValueLines, line)
	return nil
}

func (p *Parser) finalizeCurrentValue() {
	if p.currentKey == "" {
		return
	}
	value := strings.Join(p.currentValueLines, "\n")
	setNestedValue(p.params, p.currentKey, value)
	p.currentKey = ""
	p.currentValueLines = nil
}

func (p *Parser) resetCallState() {
	p.inCall = false
	p.header = ""
	p.currentKey = ""
	p.currentValueLines = nil
	p.inHeredoc = false
	p.heredocSentinel = ""
	p.params = nil
	p.parseError = ""
}

// parseHeader splits "Name[:InvocationId[:dep1,dep2,...]]" and assigns an
// invocation id from the monotonic counter if one wasn't supplied.
func (p *Parser) parseHeader(header string) (name, invocationID string, deps []string) {
	parts := strings.SplitN(header, ":", 3)
	name = strings.TrimSpace(parts[0])

	if len(parts) >= 2 && strings.TrimSpace(parts[1]) != "" {
		invocationID = strings.TrimSpace(parts[1])
	} else {
		invocationID = p.nextInvocationID()
	}

	if len(parts) == 3 && strings.TrimSpace(parts[2]) != "" {
		for _, d := range strings.Split(parts[2], ",") {
			if d = strings.TrimSpace(d); d != "" {
				deps = append(deps, d)
			}
		}
	}

	return name, invocationID, deps
}

func (p *Parser) nextInvocationID() string {
	p.counter++
	return strconv.FormatInt(p.counter, 10)
}
