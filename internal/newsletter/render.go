package newsletter

import (
	"bytes"
	"fmt"
	"html/template"
	"io"
	"strings"

	"github.com/lalithlochan/lynk/internal/db"
	"github.com/lalithlochan/lynk/internal/mail"
)

// templateData is what a newsletter body can reference, e.g. {{.Name}}.
type templateData struct {
	Name    string
	Email   string
	Subject string
}

var pixelTag = template.Must(template.New("pixel").Parse(
	`<img src="{{.}}" width="1" height="1" alt="" style="display:block;border:0;width:1px;height:1px">`,
))

// Validate reports whether body renders. Parsing alone misses references to
// fields a recipient does not have, such as {{.FirstName}}, which only fail
// on execution.
func Validate(body string) error {
	tmpl, err := parseBody(body)
	if err != nil {
		return err
	}
	return tmpl.Execute(io.Discard, templateData{Name: "Ada", Email: "ada@example.com", Subject: "Subject"})
}

func parseBody(body string) (*template.Template, error) {
	return template.New("body").Parse(body)
}

// Render builds the message for one recipient. pixelURL may be empty, in
// which case no tracking pixel is embedded.
func Render(n *db.Newsletter, u *db.User, to, pixelURL string) (mail.Message, error) {
	tmpl, err := parseBody(n.Body)
	if err != nil {
		return mail.Message{}, fmt.Errorf("parse newsletter %s body: %w", n.ID, err)
	}

	var body bytes.Buffer
	if err := tmpl.Execute(&body, templateData{Name: u.Name, Email: u.Email, Subject: n.Subject}); err != nil {
		return mail.Message{}, fmt.Errorf("render newsletter %s: %w", n.ID, err)
	}

	if pixelURL != "" {
		var tag bytes.Buffer
		if err := pixelTag.Execute(&tag, pixelURL); err != nil {
			return mail.Message{}, fmt.Errorf("render pixel: %w", err)
		}
		html := body.String()
		if i := strings.LastIndex(strings.ToLower(html), "</body>"); i >= 0 {
			html = html[:i] + tag.String() + html[i:]
		} else {
			html += tag.String()
		}
		body.Reset()
		body.WriteString(html)
	}

	return mail.Message{
		To:      to,
		Subject: n.Subject,
		HTML:    body.String(),
	}, nil
}
