package ingestion

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var (
	whitespace   = regexp.MustCompile(`[ \t\f\v\r]+`)
	timestampRe  = regexp.MustCompile(`^[\[(]?((?:\d{1,2}:)?\d{1,2}:\d{2})(?:\.\d+)?[\])]?\s*`)
	speakerRe    = regexp.MustCompile(`^([A-Z][\p{L}.'\-]*(?: [A-Z][\p{L}.'\-]*){0,3}):\s+`)
	htmlSniffRe  = regexp.MustCompile(`(?i)<(html|body|p|div|span|br)\b`)
	blockElement = "p, li, blockquote, dd, h1, h2, h3, h4, h5, h6, tr"
)

// Segment is one speaker turn of a transcript.
type Segment struct {
	Speaker   string
	StartTime string
	Text      string
}

// Passage is a chunk of consecutive segments sized for embedding.
type Passage struct {
	Index     int
	Speaker   string
	StartTime string
	Text      string
}

// CleanTranscript converts HTML transcripts to plain text with one block per
// line. Plain-text input only has its whitespace normalised.
func CleanTranscript(raw string) string {
	if !htmlSniffRe.MatchString(raw) {
		return normaliseLines(raw)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
	if err != nil {
		return normaliseLines(raw)
	}

	doc.Find("script, style, nav, footer, header, aside, noscript").Each(func(i int, s *goquery.Selection) {
		s.Remove()
	})

	var lines []string
	doc.Find(blockElement).Each(func(i int, s *goquery.Selection) {
		if s.Find(blockElement).Length() > 0 {
			return
		}
		lines = append(lines, s.Text())
	})
	if len(lines) == 0 {
		lines = append(lines, doc.Find("body").Text())
	}

	return normaliseLines(strings.Join(lines, "\n"))
}

// ExtractTitle returns the document title of an HTML transcript, if any.
func ExtractTitle(raw string) string {
	if !htmlSniffRe.MatchString(raw) {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
	if err != nil {
		return ""
	}
	title := doc.Find("title").First().Text()
	if strings.TrimSpace(title) == "" {
		title = doc.Find("h1").First().Text()
	}
	return strings.TrimSpace(whitespace.ReplaceAllString(title, " "))
}

func normaliseLines(text string) string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(whitespace.ReplaceAllString(line, " "))
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

// ParseSegments splits cleaned transcript text into speaker turns. Lines
// starting with a timestamp or a "Name:" label open a new segment; other
// lines continue the current one.
func ParseSegments(text string) []Segment {
	var (
		segments []Segment
		current  *Segment
		speaker  string
	)

	flush := func() {
		if current != nil && strings.TrimSpace(current.Text) != "" {
			current.Text = strings.TrimSpace(current.Text)
			segments = append(segments, *current)
		}
		current = nil
	}

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		ts := ""
		if m := timestampRe.FindStringSubmatch(line); m != nil {
			ts = m[1]
			line = line[len(m[0]):]
		}
		labelled := false
		if m := speakerRe.FindStringSubmatch(line); m != nil {
			speaker = m[1]
			line = line[len(m[0]):]
			labelled = true
		}

		if ts != "" || labelled || current == nil {
			flush()
			current = &Segment{Speaker: speaker, StartTime: ts}
		}
		if current.Text != "" {
			current.Text += " "
		}
		current.Text += line
	}
	flush()
	return segments
}

// ChunkSegments packs segments into passages of at most size bytes. A passage
// takes the speaker and start time of its first segment; later speakers are
// labelled inline. Oversized segments are split on word boundaries with
// overlap words carried into the next piece.
func ChunkSegments(segments []Segment, size, overlap int) []Passage {
	var (
		passages []Passage
		buf      strings.Builder
		head     Segment
	)

	emit := func() {
		if buf.Len() == 0 {
			return
		}
		passages = append(passages, Passage{
			Index:     len(passages),
			Speaker:   head.Speaker,
			StartTime: head.StartTime,
			Text:      buf.String(),
		})
		buf.Reset()
	}

	for _, seg := range segments {
		for _, piece := range splitWords(seg.Text, size, overlap) {
			line := piece
			if buf.Len() > 0 && seg.Speaker != "" && seg.Speaker != head.Speaker {
				line = seg.Speaker + ": " + piece
			}
			if buf.Len() > 0 && buf.Len()+1+len(line) > size {
				emit()
				line = piece
			}
			if buf.Len() == 0 {
				head = seg
			} else {
				buf.WriteByte('\n')
			}
			buf.WriteString(line)
		}
	}
	emit()
	return passages
}

func splitWords(text string, size, overlap int) []string {
	if len(text) <= size {
		return []string{text}
	}

	words := strings.Fields(text)
	var (
		pieces []string
		cur    []string
		n      int
	)
	for _, w := range words {
		if n+len(w)+1 > size && len(cur) > 0 {
			pieces = append(pieces, strings.Join(cur, " "))
			keep := overlap
			if keep < 0 {
				keep = 0
			}
			if keep >= len(cur) {
				keep = len(cur) - 1
			}
			cur = append([]string(nil), cur[len(cur)-keep:]...)
			n = len(strings.Join(cur, " "))
		}
		cur = append(cur, w)
		n += len(w) + 1
	}
	if len(cur) > 0 {
		pieces = append(pieces, strings.Join(cur, " "))
	}
	return pieces
}
