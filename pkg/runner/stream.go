package runner

import (
	"bufio"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/bosun-dev/bosun/pkg/models"
	"github.com/bosun-dev/bosun/pkg/sequence"
)

// Caps on captured session state. Output keeps its tail when over the cap
// because failure text accumulates at the end of a run; the transcript drops
// from the front so sequence analysis still sees how the session ended.
const (
	maxScanLine     = 1 << 20
	maxOutputBytes  = 1 << 20
	maxMessages     = 2000
	maxErrorLen     = 500
	maxToolDetail   = 500
	maxMessageChars = 2000
)

var (
	// errorPrefix catches tool-formatted failures on stdout without
	// flagging ordinary agent prose that merely mentions errors.
	errorPrefix = regexp.MustCompile(`(?i)^\s*(error|fatal|panic)\b`)

	// stderrError is broader: stderr carries diagnostics, not prose, but
	// plenty of tools also write progress there.
	stderrError = regexp.MustCompile(`(?i)\b(error|fatal|panic|exception|traceback|denied|refused|failed)\b`)

	// prLink recognises a pull request link anywhere in output. The class
	// excludes quotes and closing brackets so surrounding punctuation is
	// not swallowed into the URL.
	prLink = regexp.MustCompile(`https://[^\s"'\)\]]+/pull/(\d+)`)

	// volatile strips hex addresses and numbers before fingerprinting so
	// recurring errors that differ only in counts, line numbers, or
	// pointers share one identity.
	volatile = regexp.MustCompile(`0x[0-9a-fA-F]+|\d+`)
)

// observation is one work-stream event produced while parsing output.
type observation struct {
	event models.WorkStreamEventType
	data  models.WorkStreamData
}

// streamLine is the subset of agent stream-json output the runner reads.
// Lines that do not parse, or parse without a type, are treated as plain
// text.
type streamLine struct {
	Type    string `json:"type"`
	Message struct {
		Content []contentBlock `json:"content"`
	} `json:"message"`
	Result       string   `json:"result"`
	IsError      bool     `json:"is_error"`
	TotalCostUSD *float64 `json:"total_cost_usd"`
}

type contentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// collector accumulates one session's observable state. The stdout and
// stderr scanner goroutines feed it concurrently.
type collector struct {
	mu       sync.Mutex
	output   strings.Builder
	messages []sequence.Message

	prURL    string
	prNumber int
	costUSD  *float64

	sawCommit bool
	sawPush   bool

	resultErr  bool
	resultText string
	lastError  string
}

// capture is an immutable copy of the collector state after both streams
// closed.
type capture struct {
	output     string
	messages   []sequence.Message
	prURL      string
	prNumber   int
	costUSD    *float64
	sawCommit  bool
	sawPush    bool
	resultErr  bool
	resultText string
	lastError  string
}

func (c *collector) snapshot() capture {
	c.mu.Lock()
	defer c.mu.Unlock()
	return capture{
		output:     c.output.String(),
		messages:   c.messages,
		prURL:      c.prURL,
		prNumber:   c.prNumber,
		costUSD:    c.costUSD,
		sawCommit:  c.sawCommit,
		sawPush:    c.sawPush,
		resultErr:  c.resultErr,
		resultText: c.resultText,
		lastError:  c.lastError,
	}
}

func (c *collector) stdoutLine(line string) []observation {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.appendOutput(line)
	c.scanPR(line)

	var sl streamLine
	if err := json.Unmarshal([]byte(line), &sl); err == nil && sl.Type != "" {
		return c.structured(sl)
	}
	if errorPrefix.MatchString(line) {
		return []observation{c.recordError(line)}
	}
	if strings.TrimSpace(line) != "" {
		c.addMessage(sequence.Message{Type: sequence.MessageAgent, Content: line})
	}
	return nil
}

func (c *collector) stderrLine(line string) []observation {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.appendOutput(line)
	if stderrError.MatchString(line) {
		return []observation{c.recordError(line)}
	}
	return nil
}

// structured handles one parsed stream-json line. Callers hold the lock.
func (c *collector) structured(sl streamLine) []observation {
	var obs []observation
	switch sl.Type {
	case "assistant":
		for _, block := range sl.Message.Content {
			switch block.Type {
			case "text":
				if strings.TrimSpace(block.Text) == "" {
					continue
				}
				c.addMessage(sequence.Message{Type: sequence.MessageAgent, Content: block.Text})
				c.scanPR(block.Text)
			case "tool_use":
				detail := toolDetail(block.Input)
				c.noteTool(detail)
				c.addMessage(sequence.Message{Type: sequence.MessageToolCall, Content: detail, ToolName: block.Name})
				obs = append(obs, observation{models.EventToolCall, models.WorkStreamData{ToolName: block.Name}})
			}
		}
	case "result":
		if sl.TotalCostUSD != nil {
			c.costUSD = sl.TotalCostUSD
		}
		if sl.Result != "" {
			c.resultText = truncate(sl.Result, maxErrorLen)
			c.scanPR(sl.Result)
		}
		if sl.IsError {
			c.resultErr = true
			message := sl.Result
			if message == "" {
				message = "agent reported an error result"
			}
			obs = append(obs, c.recordError(message))
		}
	}
	return obs
}

// recordError captures an error line as transcript entry plus event data.
// Callers hold the lock.
func (c *collector) recordError(message string) observation {
	message = truncate(strings.TrimSpace(message), maxErrorLen)
	c.lastError = message
	c.addMessage(sequence.Message{Type: sequence.MessageError, Content: message})
	return observation{models.EventError, models.WorkStreamData{
		ErrorFingerprint: fingerprint(message),
		ErrorMessage:     message,
	}}
}

func (c *collector) addMessage(m sequence.Message) {
	m.Content = truncate(m.Content, maxMessageChars)
	if len(c.messages) >= maxMessages {
		c.messages = c.messages[1:]
	}
	c.messages = append(c.messages, m)
}

func (c *collector) appendOutput(line string) {
	c.output.WriteString(line)
	c.output.WriteByte('\n')
	if c.output.Len() > maxOutputBytes {
		tail := c.output.String()
		tail = tail[len(tail)-maxOutputBytes/2:]
		c.output.Reset()
		c.output.WriteString(tail)
	}
}

// scanPR records the first pull request link seen. Later mentions do not
// override it.
func (c *collector) scanPR(s string) {
	if c.prURL != "" {
		return
	}
	match := prLink.FindStringSubmatch(s)
	if match == nil {
		return
	}
	c.prURL = match[0]
	if n, err := strconv.Atoi(match[1]); err == nil {
		c.prNumber = n
	}
}

func (c *collector) noteTool(detail string) {
	if strings.Contains(detail, "git commit") {
		c.sawCommit = true
	}
	if strings.Contains(detail, "git push") {
		c.sawPush = true
	}
}

// toolDetail extracts a short form of a tool invocation. Shell tools carry
// the command itself, which sequence analysis later matches against, so the
// command string is preferred over raw JSON.
func toolDetail(input json.RawMessage) string {
	var fields map[string]any
	if err := json.Unmarshal(input, &fields); err == nil {
		if cmd, ok := fields["command"].(string); ok && cmd != "" {
			return truncate(cmd, maxToolDetail)
		}
	}
	return truncate(string(input), maxToolDetail)
}

// fingerprint reduces an error message to a stable identity so recurrences
// across attempts can be matched.
func fingerprint(message string) string {
	s := strings.ToLower(message)
	s = volatile.ReplaceAllString(s, "#")
	s = strings.Join(strings.Fields(s), " ")
	s = truncate(s, 300)
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return fmt.Sprintf("%016x", h.Sum64())
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// newLineScanner builds a scanner sized for agent output, where single
// stream-json lines can run far past bufio's default token limit.
func newLineScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxScanLine)
	return sc
}
