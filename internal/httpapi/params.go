package httpapi

import (
	"encoding/json"
	"net/url"
	"strconv"
	"strings"

	"github.com/l0p7/edgepix/internal/imgerr"
	"github.com/l0p7/edgepix/internal/transform"
)

const opParse = "httpapi.parse"

// parseRequest reads transform options from query or form values. Unknown
// parameters are ignored; malformed known ones are InvalidRequest.
func parseRequest(values url.Values) (transform.Request, error) {
	var (
		req transform.Request
		err error
	)
	p := paramReader{values: values}

	req.Width = p.int("w", "width")
	req.Height = p.int("h", "height")
	req.Quality = p.int("q", "quality")
	req.Progressive = p.bool("progressive")
	req.Grayscale = p.bool("grayscale")
	req.AllowEnlarge = p.bool("enlarge")
	req.Blur = p.float("blur")
	req.Brightness = p.float("brightness")
	req.Contrast = p.float("contrast")
	req.Saturation = p.float("saturation")
	if raw := p.get("f", "format"); raw != "" {
		if req.Format, err = transform.ParseFormat(raw); err != nil {
			return transform.Request{}, err
		}
	}
	if raw := p.get("crop"); raw != "" {
		req.Crop = p.crop(raw)
	}
	if name := p.get("watermark"); name != "" {
		req.Watermark = &transform.Watermark{
			Image:    name,
			Position: transform.Position(p.get("watermarkPosition")),
			Opacity:  1,
		}
		if _, ok := values["watermarkOpacity"]; ok {
			req.Watermark.Opacity = p.float("watermarkOpacity")
		}
	}
	if p.err != nil {
		return transform.Request{}, p.err
	}
	if err := req.Validate(); err != nil {
		return transform.Request{}, err
	}
	return req, nil
}

type paramReader struct {
	values url.Values
	err    error
}

// get returns the first non-empty value among the aliases.
func (p *paramReader) get(names ...string) string {
	for _, name := range names {
		if v := strings.TrimSpace(p.values.Get(name)); v != "" {
			return v
		}
	}
	return ""
}

func (p *paramReader) fail(name, raw string) {
	if p.err == nil {
		p.err = imgerr.Newf(imgerr.KindInvalidRequest, opParse, "parameter %s: invalid value %q", name, raw)
	}
}

func (p *paramReader) int(names ...string) int {
	raw := p.get(names...)
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		p.fail(names[0], raw)
	}
	return n
}

func (p *paramReader) float(name string) float64 {
	raw := p.get(name)
	if raw == "" {
		return 0
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		p.fail(name, raw)
	}
	return f
}

func (p *paramReader) bool(name string) bool {
	raw := p.get(name)
	if raw == "" {
		return false
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		p.fail(name, raw)
	}
	return b
}

// crop parses "x,y,width,height".
func (p *paramReader) crop(raw string) *transform.Crop {
	parts := strings.Split(raw, ",")
	if len(parts) != 4 {
		p.fail("crop", raw)
		return nil
	}
	var n [4]int
	for i, part := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			p.fail("crop", raw)
			return nil
		}
		n[i] = v
	}
	return &transform.Crop{X: n[0], Y: n[1], Width: n[2], Height: n[3]}
}

// parseUploadOptions decodes the "options" form field: one request object
// or a list of them. An absent field falls back to form values.
func parseUploadOptions(raw string, form url.Values) ([]transform.Request, bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		req, err := parseRequest(form)
		if err != nil {
			return nil, false, err
		}
		return []transform.Request{req}, false, nil
	}

	var reqs []transform.Request
	list := strings.HasPrefix(raw, "[")
	if list {
		if err := json.Unmarshal([]byte(raw), &reqs); err != nil {
			return nil, false, imgerr.New(imgerr.KindInvalidRequest, opParse, err)
		}
		if len(reqs) == 0 {
			return nil, false, imgerr.Newf(imgerr.KindInvalidRequest, opParse, "options list is empty")
		}
	} else {
		var req transform.Request
		if err := json.Unmarshal([]byte(raw), &req); err != nil {
			return nil, false, imgerr.New(imgerr.KindInvalidRequest, opParse, err)
		}
		reqs = []transform.Request{req}
	}
	for i := range reqs {
		if reqs[i].Format != "" {
			format, err := transform.ParseFormat(string(reqs[i].Format))
			if err != nil {
				return nil, false, err
			}
			reqs[i].Format = format
		}
		if err := reqs[i].Validate(); err != nil {
			return nil, false, err
		}
	}
	return reqs, list, nil
}
