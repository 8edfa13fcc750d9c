package opus

import (
	"encoding/binary"
	"strings"

	"github.com/pkg/errors"
)

// Tags is the comment header: a vendor string and KEY=value comments.
type Tags struct {
	Vendor   string
	Comments []string
}

// ParseTags decodes an OpusTags packet.
func ParseTags(b []byte) (Tags, error) {
	if len(b) < 8 || string(b[:8]) != tagsMagic {
		return Tags{}, errors.Wrap(ErrInvalidTags, "bad magic")
	}
	r := tagReader{b: b[8:]}
	vendor, err := r.str()
	if err != nil {
		return Tags{}, errors.Wrap(err, "vendor")
	}
	count, err := r.u32()
	if err != nil {
		return Tags{}, errors.Wrap(err, "comment count")
	}
	// each comment needs at least its length field
	if int64(count)*4 > int64(len(r.b)) {
		return Tags{}, errors.Wrapf(ErrInvalidTags, "%d comments in %d bytes", count, len(r.b))
	}
	t := Tags{Vendor: vendor, Comments: make([]string, 0, count)}
	for i := uint32(0); i < count; i++ {
		c, err := r.str()
		if err != nil {
			return Tags{}, errors.Wrapf(err, "comment %d", i)
		}
		t.Comments = append(t.Comments, c)
	}
	return t, nil
}

// Get returns the value of the first comment whose key matches key,
// ignoring case.
func (t Tags) Get(key string) string {
	for _, c := range t.Comments {
		k, v, ok := strings.Cut(c, "=")
		if ok && strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

type tagReader struct{ b []byte }

func (r *tagReader) u32() (uint32, error) {
	if len(r.b) < 4 {
		return 0, errors.Wrap(ErrInvalidTags, "short length field")
	}
	v := binary.LittleEndian.Uint32(r.b)
	r.b = r.b[4:]
	return v, nil
}

func (r *tagReader) str() (string, error) {
	n, err := r.u32()
	if err != nil {
		return "", err
	}
	if uint64(n) > uint64(len(r.b)) {
		return "", errors.Wrapf(ErrInvalidTags, "string of %d bytes, %d left", n, len(r.b))
	}
	s := string(r.b[:n])
	r.b = r.b[n:]
	return s, nil
}
