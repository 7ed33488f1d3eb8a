// Package formtool exposes a [form.Manager] to the live service as tools:
//   - "open_form"     opens a form from the template catalog.
//   - "fill_field"    fills one field of the open form.
//   - "validate_form" reports completeness and pattern errors.
//   - "submit_form"   submits the open form and hands it to a Submitter.
package formtool

import (
	"context"
	"errors"
	"strings"

	"github.com/MrWong99/voiceform/internal/form"
	"github.com/MrWong99/voiceform/internal/observe"
	"github.com/MrWong99/voiceform/internal/tools"
	"github.com/MrWong99/voiceform/pkg/provider/live"
)

// DefaultTitle is used by open_form when the caller gives none.
const DefaultTitle = "Voice Form"

// Submitter persists a submitted form.
type Submitter func(ctx context.Context, sub form.Submission) error

type config struct {
	submit  Submitter
	metrics *observe.Metrics
}

// Option configures [Tools].
type Option func(*config)

// WithSubmitter hands every successful submission to fn. A failing
// submitter does not undo the submission; the result reports stored=false.
func WithSubmitter(fn Submitter) Option {
	return func(c *config) { c.submit = fn }
}

// WithMetrics records submissions into m instead of
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *config) { c.metrics = m }
}

// Tools returns the form tools bound to m.
func Tools(m *form.Manager, opts ...Option) []tools.Tool {
	var cfg config
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.metrics == nil {
		cfg.metrics = observe.DefaultMetrics()
	}
	h := &handlers{m: m, cfg: cfg}
	return []tools.Tool{
		{
			Definition: live.ToolDefinition{
				Name:        "open_form",
				Description: "Open a new form for the user to fill out",
				Parameters: object(map[string]any{
					"form_type": prop("string", "Type of form to open: "+strings.Join(m.Catalog().Types(), ", ")),
					"title":     prop("string", "Title or name of the form"),
				}),
			},
			Handler: h.open,
		},
		{
			Definition: live.ToolDefinition{
				Name:        "fill_field",
				Description: "Fill a specific field in the currently open form",
				Parameters: object(map[string]any{
					"field_name": prop("string", "Name of the form field to fill"),
					"value":      prop("string", "Value to enter in the field"),
				}, "field_name", "value"),
			},
			Handler: h.fill,
		},
		{
			Definition: live.ToolDefinition{
				Name:        "validate_form",
				Description: "Validate the current form and check for any missing or invalid fields",
				Parameters:  object(map[string]any{}),
			},
			Handler: h.validate,
		},
		{
			Definition: live.ToolDefinition{
				Name:        "submit_form",
				Description: "Submit the currently open form",
				Parameters: object(map[string]any{
					"confirm": map[string]any{
						"type":        "boolean",
						"description": "Confirm form submission",
						"default":     true,
					},
				}),
			},
			Handler: h.submit,
		},
	}
}

type handlers struct {
	m   *form.Manager
	cfg config
}

func (h *handlers) open(ctx context.Context, args map[string]any) map[string]any {
	formType := tools.StringArg(args, "form_type", form.DefaultFormType)
	title := tools.StringArg(args, "title", DefaultTitle)
	res, err := h.m.OpenForm(ctx, formType, title)
	if err != nil {
		return errorResult(err)
	}
	return map[string]any{
		"success":   true,
		"form_id":   res.FormID,
		"form_type": res.FormType,
		"title":     res.Title,
		"fields":    res.Fields,
		"message":   res.Message,
	}
}

func (h *handlers) fill(ctx context.Context, args map[string]any) map[string]any {
	name := tools.StringArg(args, "field_name", "")
	value := tools.StringArg(args, "value", "")
	if name == "" || args["value"] == nil {
		return tools.Failure("Missing field_name or value")
	}
	res, err := h.m.FillField(ctx, name, value)
	if err != nil {
		return errorResult(err)
	}
	return map[string]any{
		"success":    true,
		"field_name": res.FieldName,
		"value":      res.Value,
		"field_type": res.FieldType,
		"message":    res.Message,
	}
}

func (h *handlers) validate(ctx context.Context, _ map[string]any) map[string]any {
	v, err := h.m.ValidateForm(ctx)
	if err != nil {
		return errorResult(err)
	}
	out := validationMap(v)
	out["success"] = true
	return out
}

func (h *handlers) submit(ctx context.Context, args map[string]any) map[string]any {
	sub, err := h.m.SubmitForm(ctx, tools.BoolArg(args, "confirm", true))
	if err != nil {
		return errorResult(err)
	}
	h.cfg.metrics.RecordSubmission(ctx, sub.FormType)
	out := map[string]any{
		"success": true,
		"form_id": sub.FormID,
		"form_data": map[string]any{
			"form_id":            sub.FormID,
			"form_type":          sub.FormType,
			"title":              sub.Title,
			"fields":             sub.Fields,
			"submitted_at":       sub.SubmittedAt,
			"completion_time_ms": sub.CompletionTimeMs(),
		},
		"message": "Form submitted successfully! Thank you for providing the information.",
	}
	if h.cfg.submit != nil {
		if err := h.cfg.submit(ctx, sub); err != nil {
			observe.Logger(ctx).Error("formtool: submission not stored", "form_id", sub.FormID, "err", err)
			out["stored"] = false
		} else {
			out["stored"] = true
		}
	}
	return out
}

// errorResult converts a form failure into a tool result carrying the code
// and whatever context lets the caller self-correct.
func errorResult(err error) map[string]any {
	var fe *form.Error
	if !errors.As(err, &fe) {
		return tools.Failure(err.Error())
	}
	out := map[string]any{
		"success": false,
		"error":   fe.Message,
		"code":    string(fe.Code),
	}
	if fe.AvailableTypes != nil {
		out["available_types"] = fe.AvailableTypes
	}
	if fe.AvailableFields != nil {
		out["available_fields"] = fe.AvailableFields
	}
	if fe.Suggestion != "" {
		out["suggestion"] = fe.Suggestion
	}
	if fe.Field != "" {
		out["field_name"] = fe.Field
		out["field_type"] = fe.FieldType
	}
	if fe.Validation != nil {
		out["validation_details"] = validationMap(*fe.Validation)
	}
	return out
}

func validationMap(v form.Validation) map[string]any {
	return map[string]any{
		"is_valid":                v.IsValid,
		"completion_percentage":   v.CompletionPercentage,
		"filled_fields":           v.FilledFields,
		"total_fields":            v.TotalFields,
		"missing_required_fields": v.MissingRequiredFields,
		"validation_errors":       v.ValidationErrors,
		"message":                 v.Message,
	}
}

func object(props map[string]any, required ...string) map[string]any {
	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func prop(typ, desc string) map[string]any {
	return map[string]any{"type": typ, "description": desc}
}

