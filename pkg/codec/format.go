package codec

import (
	"fmt"
	"sort"
	"strings"
)

// Well known format keys.
const (
	KeyMime         = "mime"
	KeyEncoder      = "encoder"
	KeyChannelCount = "channel-count"
	KeySampleRate   = "sample-rate"
	KeyWidth        = "width"
	KeyHeight       = "height"
	KeyNativeWindow = "native-window"
)

// Format is an opaque property bag describing an input or output stream.
// Values are strings, int32s, or opaque object handles.
type Format map[string]interface{}

func NewFormat() Format {
	return make(Format)
}

func (f Format) SetString(key, value string) {
	f[key] = value
}

func (f Format) GetString(key string) (string, bool) {
	v, ok := f[key].(string)
	return v, ok
}

func (f Format) SetInt32(key string, value int32) {
	f[key] = value
}

func (f Format) GetInt32(key string) (int32, bool) {
	v, ok := f[key].(int32)
	return v, ok
}

func (f Format) SetObject(key string, value interface{}) {
	f[key] = value
}

func (f Format) GetObject(key string) (interface{}, bool) {
	v, ok := f[key]
	return v, ok
}

func (f Format) Copy() Format {
	out := make(Format, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

func (f Format) String() string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString("{")
	for i, k := range keys {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%s: %v", k, f[k])
	}
	sb.WriteString("}")
	return sb.String()
}
