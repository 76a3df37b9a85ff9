package telegram

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"path/filepath"

	"github.com/PocketPalCo/support-bot/internal/core/orders"
	"github.com/PocketPalCo/support-bot/internal/core/session"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

//go:embed templates/*.html
var templateFiles embed.FS

type TemplateManager struct {
	templates *template.Template
}

func NewTemplateManager() (*TemplateManager, error) {
	funcMap := template.FuncMap{
		"add": func(a, b int) int {
			return a + b
		},
	}

	tmpl, err := template.New("").Funcs(funcMap).ParseFS(templateFiles, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}

	return &TemplateManager{templates: tmpl}, nil
}

func (tm *TemplateManager) RenderTemplate(templateName string, data any) (string, error) {
	var buf bytes.Buffer
	templateFile := filepath.Base(templateName) + ".html"
	if err := tm.templates.ExecuteTemplate(&buf, templateFile, data); err != nil {
		return "", fmt.Errorf("failed to execute template %s: %w", templateFile, err)
	}
	return buf.String(), nil
}

// RenderButton renders a button label
func (tm *TemplateManager) RenderButton(buttonName string) string {
	var buf bytes.Buffer
	if err := tm.templates.ExecuteTemplate(&buf, "button_"+buttonName, nil); err != nil {
		return buttonName
	}
	return buf.String()
}

// RenderMessage renders a short message defined inline, such as callback answers
func (tm *TemplateManager) RenderMessage(messageName string) string {
	var buf bytes.Buffer
	if err := tm.templates.ExecuteTemplate(&buf, "message_"+messageName, nil); err != nil {
		return messageName
	}
	return buf.String()
}

var amountPrinter = message.NewPrinter(language.English)

type StartTemplateData struct {
	FirstName       string
	IsAuthenticated bool
	CustomerName    string
}

type HelpTemplateData struct {
	IsAuthenticated bool
	IsAdmin         bool
	SupportPhone    string
}

type MenuTemplateData struct {
	IsAuthenticated bool
	CustomerName    string
}

type SupportTemplateData struct {
	SupportPhone string
}

type InvalidInputTemplateData struct {
	Field string
}

type AuthTemplateData struct {
	Name string
	City string
}

type NotFoundTemplateData struct {
	Query string
}

type CategoryTemplateData struct {
	Label string
}

type TicketTemplateData struct {
	Number      string
	IsComplaint bool
}

type RateLimitedTemplateData struct {
	Minutes int
}

type StatusTemplateData struct {
	ChatID          int64
	State           string
	IsAuthenticated bool
	CustomerName    string
	RequestCount    int64
	ExpiresAt       string
}

type StatsTemplateData struct {
	session.Stats
	HitRate string
}

// OrderTemplateData flattens an order with its workflow metadata for rendering.
type OrderTemplateData struct {
	Number            string
	CustomerName      string
	DeviceModel       string
	SerialNumber      string
	RegistrationDate  string
	RepairDescription string
	StepName          string
	Icon              string
	Progress          int
	ProgressBar       string
	TotalCost         string
	PaymentLink       string
	Cached            bool
}

type OrdersListTemplateData struct {
	Orders []OrderTemplateData
}

func newOrderTemplateData(o *orders.Order, cached bool) OrderTemplateData {
	data := OrderTemplateData{
		Number:            o.Number,
		CustomerName:      o.CustomerName,
		DeviceModel:       o.DeviceModel,
		SerialNumber:      o.SerialNumber,
		RegistrationDate:  o.RegistrationDate,
		RepairDescription: o.RepairDescription,
		StepName:          o.StepName(),
		Icon:              o.Step.Icon(),
		Progress:          o.Step.Progress(),
		ProgressBar:       o.Step.ProgressBar(10),
		Cached:            cached,
	}
	if o.Step.IsPayable() {
		data.PaymentLink = o.PaymentLink
		if o.TotalCost > 0 {
			data.TotalCost = amountPrinter.Sprintf("%d", o.TotalCost)
		}
	}
	return data
}
