package browser

import (
	"fmt"

	"dex/internal/surface"
)

type script struct {
	js    string
	arity int
}

// scripts maps each op to its fixed page function. Parameters always
// arrive as function arguments.
var scripts = map[surface.OpName]script{
	surface.OpTitle: {js: `() => document.title`},
	surface.OpURL:   {js: `() => location.href`},
	surface.OpOuterHTML: {arity: 1, js: `(sel) => {
		const el = document.querySelector(sel);
		return el ? el.outerHTML : '';
	}`},
	surface.OpCount: {arity: 1, js: `(sel) => document.querySelectorAll(sel).length`},
	surface.OpClick: {arity: 1, js: `(sel) => {
		const el = document.querySelector(sel);
		if (!el) return false;
		el.click();
		return true;
	}`},
	surface.OpScrollToBottom: {js: `() => {
		window.scrollTo(0, document.body.scrollHeight);
		return document.body.scrollHeight;
	}`},
	surface.OpScrollHeight: {js: `() => document.body.scrollHeight`},
	surface.OpFetch: {arity: 1, js: `async (req) => {
		const init = { method: req.method || 'GET', headers: req.headers || {}, credentials: 'include' };
		if (req.body) init.body = req.body;
		const resp = await fetch(req.url, init);
		return { status: resp.status, body: await resp.text() };
	}`},
}

// native ops are answered through CDP rather than a page script.
var native = map[surface.OpName]int{
	surface.OpCookie: 1,
}

// lookup resolves op to its script and checks the argument count.
func lookup(op surface.Op) (script, error) {
	if n, ok := native[op.Name]; ok {
		if len(op.Args) != n {
			return script{}, fmt.Errorf("%s takes %d argument(s), got %d", op.Name, n, len(op.Args))
		}
		return script{arity: n}, nil
	}
	s, ok := scripts[op.Name]
	if !ok {
		return script{}, fmt.Errorf("%w: %s", surface.ErrUnknownOp, op.Name)
	}
	if len(op.Args) != s.arity {
		return script{}, fmt.Errorf("%s takes %d argument(s), got %d", op.Name, s.arity, len(op.Args))
	}
	return s, nil
}
