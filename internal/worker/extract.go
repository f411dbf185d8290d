package worker

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Extraction schema types understood by Extract.
const (
	SchemaCustom       = "custom"
	SchemaProduct      = "product"
	SchemaSearchResult = "search_result"
	SchemaForm         = "form"
	SchemaNavigation   = "navigation"
	SchemaBool         = "bool"
)

// Each snippet runs in the page and returns plain JSON-compatible data.
var extractScripts = map[string]string{
	SchemaProduct: `() => {
		const text = sel => document.querySelector(sel)?.textContent?.trim() || "";
		const ld = [...document.querySelectorAll('script[type="application/ld+json"]')]
			.map(s => { try { return JSON.parse(s.textContent); } catch { return null; } })
			.flat().find(d => d && (d["@type"] === "Product" || d["@type"]?.includes?.("Product")));
		return {
			name: ld?.name || text("h1"),
			price: ld?.offers?.price || text('[class*="price" i], [id*="price" i], [itemprop="price"]'),
			currency: ld?.offers?.priceCurrency || "",
			rating: ld?.aggregateRating?.ratingValue || text('[class*="rating" i], [itemprop="ratingValue"]'),
			availability: ld?.offers?.availability || text('[class*="availability" i], [class*="stock" i]'),
			description: (ld?.description || text('[class*="description" i], [itemprop="description"]')).slice(0, 500),
		};
	}`,
	SchemaSearchResult: `() => {
		const rows = [...document.querySelectorAll('[class*="result" i], [class*="search" i] li, main a h3, h3 a')].slice(0, 10);
		const results = rows.map(el => {
			const link = el.closest("a") || el.querySelector("a");
			return {
				title: (el.textContent || "").trim().slice(0, 200),
				url: link?.href || "",
			};
		}).filter(r => r.title);
		return { results, count: results.length };
	}`,
	SchemaForm: `() => {
		const fields = [...document.querySelectorAll("input:not([type=hidden]), textarea, select")].slice(0, 30).map(el => ({
			name: el.name || el.id || "",
			type: el.type || el.tagName.toLowerCase(),
			label: el.labels?.[0]?.textContent?.trim() || el.placeholder || "",
			value: el.type === "password" ? "" : (el.value || ""),
			required: el.required || false,
		}));
		return { fields, count: fields.length };
	}`,
	SchemaNavigation: `() => {
		const links = [...document.querySelectorAll("nav a, header a, [role=navigation] a")].slice(0, 30).map(a => ({
			text: (a.textContent || "").trim().slice(0, 100),
			url: a.href,
		})).filter(l => l.text);
		return { links, count: links.length };
	}`,
	SchemaBool: `() => {
		const body = (document.body?.innerText || "").slice(0, 5000);
		return { page_title: document.title, visible_text: body };
	}`,
	SchemaCustom: `() => {
		const headings = [...document.querySelectorAll("h1, h2, h3")].slice(0, 20)
			.map(h => (h.textContent || "").trim()).filter(Boolean);
		return {
			page_title: document.title,
			headings,
			visible_text: (document.body?.innerText || "").slice(0, 8000),
		};
	}`,
}

// Extract pulls structured data from the current page using the schema's
// script. custom_schema, when given, is echoed back so the model can shape
// the data itself from the visible text.
func (c *Controller) Extract(description, schemaType, customSchema string) (map[string]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireBrowserLocked(); err != nil {
		return nil, err
	}

	schemaType = strings.ToLower(strings.TrimSpace(schemaType))
	if schemaType == "" {
		schemaType = SchemaCustom
	}
	script, ok := extractScripts[schemaType]
	if !ok {
		return nil, fmt.Errorf("unknown schema type %q", schemaType)
	}

	raw, err := c.page.Evaluate(script)
	if err != nil {
		return nil, fmt.Errorf("evaluate %s extraction: %w", schemaType, err)
	}

	data := toStringMap(raw)
	data["schema_type"] = schemaType
	data["description"] = description
	data["source_url"] = c.page.URL()
	if customSchema != "" {
		var parsed any
		if err := json.Unmarshal([]byte(customSchema), &parsed); err == nil {
			data["requested_schema"] = parsed
		} else {
			data["requested_schema"] = customSchema
		}
	}
	return data, nil
}

// toStringMap coerces an Evaluate result into a map, wrapping scalars.
func toStringMap(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{"value": v}
}
