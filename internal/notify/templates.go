package notify

import (
	"strings"
	"text/template"
	"time"
)

type message struct {
	College   string
	Name      string
	StudentID string
	Stream    string
	Semester  int
	Date      string
	Subjects  []string
}

var funcs = template.FuncMap{
	"join": strings.Join,
	"day": func(date string) string {
		t, err := time.Parse("2006-01-02", date)
		if err != nil {
			return date
		}
		return t.Format("Monday, 02 January 2006")
	},
}

var (
	fullDayTemplate = template.Must(template.New("full-day").Funcs(funcs).Parse(
		`Dear Parent, this is to inform you that your ward {{.Name}} ({{.StudentID}}), {{.Stream}} semester {{.Semester}}, ` +
			`was absent for the entire day on {{day .Date}} ({{len .Subjects}} classes missed). ` +
			`Please contact the college if this is unexpected.{{if .College}} - {{.College}}{{end}}`))

	partialTemplate = template.Must(template.New("partial").Funcs(funcs).Parse(
		`Dear Parent, your ward {{.Name}} ({{.StudentID}}), {{.Stream}} semester {{.Semester}}, ` +
			`was absent on {{day .Date}} for: {{join .Subjects ", "}}.{{if .College}} - {{.College}}{{end}}`))
)

func render(m message, fullDay bool) (string, error) {
	tmpl := partialTemplate
	if fullDay {
		tmpl = fullDayTemplate
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, m); err != nil {
		return "", err
	}
	return b.String(), nil
}

// maskPhone keeps the last four digits.
func maskPhone(phone string) string {
	if len(phone) <= 4 {
		return phone
	}
	return strings.Repeat("*", len(phone)-4) + phone[len(phone)-4:]
}
