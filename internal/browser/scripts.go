package browser

import (
	"encoding/json"
	"fmt"
)

const setValueJS = `(function(sel, val) {
	const el = document.querySelector(sel);
	if (!el) return false;
	el.value = val;
	el.dispatchEvent(new Event('input', { bubbles: true }));
	el.dispatchEvent(new Event('change', { bubbles: true }));
	return true;
})(%s, %s)`

const setCheckedJS = `(function(sel, checked) {
	const el = document.querySelector(sel);
	if (!el) return false;
	el.checked = checked;
	el.dispatchEvent(new Event('change', { bubbles: true }));
	return true;
})(%s, %s)`

const visibleJS = `(function(sel) {
	const el = document.querySelector(sel);
	if (!el) return false;
	const style = window.getComputedStyle(el);
	if (style.display === 'none' || style.visibility === 'hidden') return false;
	const rect = el.getBoundingClientRect();
	return rect.width > 0 || rect.height > 0;
})(%s)`

const fetchJS = `(async function(url, headers) {
	try {
		const res = await fetch(url, { headers: headers, credentials: 'include' });
		const body = await res.text();
		return { ok: res.ok, status: res.status, statusText: res.statusText, body: body };
	} catch (e) {
		return { ok: false, status: 0, statusText: String(e), body: '' };
	}
})(%s, %s)`

// jsArgs encodes each value as a JavaScript literal.
func jsArgs(values ...any) ([]any, error) {
	out := make([]any, len(values))
	for i, v := range values {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("browser: encode script arg: %w", err)
		}
		out[i] = string(b)
	}
	return out, nil
}

func script(tmpl string, values ...any) (string, error) {
	args, err := jsArgs(values...)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(tmpl, args...), nil
}
