package llm

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"text/template"
)

var defaultTemplates = map[MessageKind]string{
	MessageInitialOffer:     "Hey {{.Counterparty}}! We'd love to team up. We can offer {{amount .OurAmount}} {{.Symbols.Ours}} (~${{usd .USDValue}}) for {{amount .CounterpartyAmount}} {{.Symbols.Theirs}}.",
	MessageNextOffer:        "We can stretch a bit: {{amount .OurAmount}} {{.Symbols.Ours}} (~${{usd .USDValue}}) for {{amount .CounterpartyAmount}} {{.Symbols.Theirs}}.",
	MessageFinalOffer:       "This is our final offer: {{amount .OurAmount}} {{.Symbols.Ours}} (~${{usd .USDValue}}) for {{amount .CounterpartyAmount}} {{.Symbols.Theirs}}.",
	MessageEscrowInitiated:  "Deal! We've opened the escrow and deposited {{amount .OurAmount}} {{.Symbols.Ours}}. Please deposit {{amount .CounterpartyAmount}} {{.Symbols.Theirs}}. Tx: {{.TxRef}}",
	MessageAwaitEscrow:      "Deal! Please open the escrow with {{amount .CounterpartyAmount}} {{.Symbols.Theirs}} and share the transaction reference; we'll fund our side right after.",
	MessageEscrowCompleted:  "Swap complete: {{amount .OurAmount}} {{.Symbols.Ours}} for {{amount .CounterpartyAmount}} {{.Symbols.Theirs}}. Pleasure doing business!",
	MessageTransferPending:  "We couldn't confirm that escrow yet. We'll check again once it settles.",
	MessageNegotiationEnded: "Looks like we couldn't find a price that works this time. Let's talk again later.",
}

// TemplateComposer 使用 text/template 渲染固定话术。
type TemplateComposer struct {
	templates map[MessageKind]*template.Template
}

// NewTemplateComposer 以默认话术创建 Composer，overrides 中的同名模板会覆盖默认值。
func NewTemplateComposer(overrides map[MessageKind]string) (*TemplateComposer, error) {
	funcs := template.FuncMap{
		"amount": func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) },
		"usd":    func(v float64) string { return strconv.FormatFloat(v, 'f', 2, 64) },
	}
	sources := make(map[MessageKind]string, len(defaultTemplates))
	for kind, text := range defaultTemplates {
		sources[kind] = text
	}
	for kind, text := range overrides {
		sources[kind] = text
	}
	parsed := make(map[MessageKind]*template.Template, len(sources))
	for kind, text := range sources {
		tpl, err := template.New(string(kind)).Funcs(funcs).Parse(text)
		if err != nil {
			return nil, fmt.Errorf("解析话术模板 %s 失败: %w", kind, err)
		}
		parsed[kind] = tpl
	}
	return &TemplateComposer{templates: parsed}, nil
}

// Compose 渲染指定类型的消息。
func (c *TemplateComposer) Compose(_ context.Context, req ComposeRequest) (string, error) {
	tpl, ok := c.templates[req.Kind]
	if !ok {
		return "", fmt.Errorf("未定义的话术类型: %s", req.Kind)
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, req); err != nil {
		return "", fmt.Errorf("渲染话术 %s 失败: %w", req.Kind, err)
	}
	return buf.String(), nil
}
