// Package httprequest triggers and cancels builds on CI systems via
// templated HTTP requests.
package httprequest

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"text/template"

	"go.uber.org/zap"

	"github.com/simplesurance/gobors/internal/cfg"
)

const loggerName = "action.httprequest"

// Config is the configuration of a HTTP-Request action.
// URL, data and header values can contain go templates that are rendered
// with a TemplateData value.
type Config struct {
	builder  string
	url      string
	user     string
	password string
	method   string
	headers  map[string]string
	data     string
	logger   *zap.Logger
}

// TemplateData is the context that templates in the configuration are
// rendered with.
type TemplateData struct {
	Repository string
	Owner      string
	Name       string
	Builder    string
	AttemptID  string
	Lane       string
	Branch     string
	BaseRef    string
	MergeSHA   string
	Numbers    []int
}

// WithAuth defines user and password that is used for Basic Auth.
func WithAuth(user, password string) func(*Config) {
	return func(h *Config) {
		h.user = user
		h.password = password
	}
}

// WithData defines the body of the request.
func WithData(data string) func(*Config) {
	return func(h *Config) {
		h.data = data
	}
}

// WithHeaders defines additional headers of the request.
func WithHeaders(headers map[string]string) func(*Config) {
	return func(h *Config) {
		h.headers = headers
	}
}

// NewConfig returns a configuration for a request to the url.
// If method is empty, POST is used.
func NewConfig(builder, url, method string, opts ...func(*Config)) (*Config, error) {
	if url == "" {
		return nil, errors.New("url must be set")
	}

	if method == "" {
		method = "POST"
	}

	c := Config{
		builder: builder,
		url:     url,
		method:  method,
		logger:  zap.L().Named(loggerName),
	}

	for _, o := range opts {
		o(&c)
	}

	return &c, nil
}

// NewTriggerConfigs returns the configurations to start and to cancel a
// build from a trigger definition. cancel is nil if no cancel url is
// defined.
func NewTriggerConfigs(t *cfg.Trigger) (trigger, cancel *Config, err error) {
	opts := []func(*Config){
		WithAuth(t.User, t.Password),
		WithData(t.Data),
		WithHeaders(t.Headers),
	}

	trigger, err = NewConfig(t.Builder, t.URL, t.Method, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("trigger for builder %q: %w", t.Builder, err)
	}

	if t.CancelURL == "" {
		return trigger, nil, nil
	}

	cancel, err = NewConfig(t.Builder, t.CancelURL, t.Method, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("cancel trigger for builder %q: %w", t.Builder, err)
	}

	return trigger, cancel, nil
}

// Builder returns the name of the builder the request is sent to.
func (c *Config) Builder() string {
	return c.builder
}

var templateFuncs = template.FuncMap{
	"queryescape": url.QueryEscape,
}

func renderFunc(data *TemplateData) func(in string) (string, error) {
	return func(text string) (string, error) {
		templ, err := template.New("httprequest").Funcs(templateFuncs).Parse(text)
		if err != nil {
			return "", err
		}

		var out bytes.Buffer

		err = templ.Execute(&out, data)
		if err != nil {
			return "", err
		}

		return out.String(), nil
	}
}

// Template renders all configuration options that can contain template
// strings with data.
// It returns an executable action that uses the templated config.
func (c *Config) Template(data *TemplateData) (*Runner, error) {
	var err error
	fn := renderFunc(data)
	newConfig := *c

	newConfig.url, err = fn(newConfig.url)
	if err != nil {
		return nil, fmt.Errorf("templating url failed: %w", err)
	}

	if newConfig.data != "" {
		newConfig.data, err = fn(newConfig.data)
		if err != nil {
			return nil, fmt.Errorf("templating data failed: %w", err)
		}
	}

	newConfig.headers = make(map[string]string, len(c.headers))
	for k, v := range c.headers {
		newConfig.headers[k], err = fn(v)
		if err != nil {
			return nil, fmt.Errorf("templating header failed: %w", err)
		}
	}

	return NewRunner(&newConfig), nil
}

func (c *Config) String() string {
	return fmt.Sprintf("httprequest: %s to %s", c.method, c.url)
}

func (c *Config) DetailedString() string {
	const maskedStr = "************"
	var result strings.Builder

	result.WriteString("http-request:\n")
	result.WriteString(fmt.Sprintf("  builder: %s\n", c.builder))
	result.WriteString(fmt.Sprintf("  url: %s\n", c.url))
	result.WriteString(fmt.Sprintf("  method: %s\n", c.method))
	if c.user != "" {
		result.WriteString("  user: " + maskedStr + "\n")
	}

	if c.password != "" {
		result.WriteString("  password: " + maskedStr + "\n")
	}

	if c.data != "" {
		result.WriteString("  data: " + maskedStr + "\n")
	}

	if len(c.headers) > 0 {
		result.WriteString("  headers:\n")
	}

	for k := range c.headers {
		result.WriteString(fmt.Sprintf("    %s: %s\n", k, maskedStr))
	}

	return result.String()
}
