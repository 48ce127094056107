package ingestion

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	"github.com/goccy/go-json"

	"meal-cost/decision/pricefeed"
)

// DecodeQuotes reads either a JSON array of quotes or JSON lines, one quote
// per line. Blank lines are skipped.
func DecodeQuotes(r io.Reader) ([]pricefeed.Quote, error) {
	br := bufio.NewReader(r)
	first, err := peekNonSpace(br)
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if first == '[' {
		var quotes []pricefeed.Quote
		if err := json.NewDecoder(br).Decode(&quotes); err != nil {
			return nil, fmt.Errorf("decode quote array: %w", err)
		}
		return quotes, nil
	}

	var quotes []pricefeed.Quote
	line := 0
	for {
		raw, err := br.ReadBytes('\n')
		if len(raw) > 0 {
			line++
			if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 {
				var q pricefeed.Quote
				if uerr := json.Unmarshal(trimmed, &q); uerr != nil {
					return nil, fmt.Errorf("decode quote on line %d: %w", line, uerr)
				}
				quotes = append(quotes, q)
			}
		}
		if err == io.EOF {
			return quotes, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.Peek(1)
		if err != nil {
			return 0, err
		}
		switch b[0] {
		case ' ', '\t', '\r', '\n':
			if _, err := br.ReadByte(); err != nil {
				return 0, err
			}
		default:
			return b[0], nil
		}
	}
}

// withSource fills a missing source ID.
func withSource(quotes []pricefeed.Quote, source string) []pricefeed.Quote {
	for i := range quotes {
		if quotes[i].SourceID == "" {
			quotes[i].SourceID = source
		}
	}
	return quotes
}
