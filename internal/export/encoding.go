package export

import (
	"strings"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/unicode"
)

// textEncoding is a DBF character set and the name written to the .cpg file.
type textEncoding struct {
	enc     encoding.Encoding
	cpgName string
}

// lookupEncoding resolves a configured encoding name.
func lookupEncoding(name string) (textEncoding, error) {
	switch strings.ToLower(strings.ReplaceAll(name, "_", "-")) {
	case "", "utf-8", "utf8":
		return textEncoding{enc: unicode.UTF8, cpgName: "UTF-8"}, nil
	case "gbk", "cp936":
		return textEncoding{enc: simplifiedchinese.GBK, cpgName: "GBK"}, nil
	case "gb18030":
		return textEncoding{enc: simplifiedchinese.GB18030, cpgName: "GB18030"}, nil
	}
	return textEncoding{}, eris.Errorf("export: unsupported encoding %q", name)
}

// encoder converts text into DBF bytes, replacing characters the charset
// cannot represent.
type encoder struct {
	e *encoding.Encoder
}

func (t textEncoding) encoder() *encoder {
	return &encoder{e: encoding.ReplaceUnsupported(t.enc.NewEncoder())}
}

// encode returns s in the target charset, cut to at most limit bytes without
// splitting a character.
func (c *encoder) encode(s string, limit int) ([]byte, error) {
	b, err := c.e.Bytes([]byte(s))
	if err != nil {
		return nil, eris.Wrap(err, "export: encode text")
	}
	if len(b) <= limit {
		return b, nil
	}

	out := make([]byte, 0, limit)
	var buf [utf8.UTFMax]byte
	for _, r := range s {
		n := utf8.EncodeRune(buf[:], r)
		rb, err := c.e.Bytes(buf[:n])
		if err != nil {
			return nil, eris.Wrap(err, "export: encode text")
		}
		if len(out)+len(rb) > limit {
			break
		}
		out = append(out, rb...)
	}
	return out, nil
}
