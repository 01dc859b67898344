package api

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, dashboardHTML)
}

// containedPath resolves ref against root and rejects anything that escapes
// it. ref may be absolute (manifest document refs are) or relative.
func containedPath(root, ref string) (string, bool) {
	rootClean := filepath.Clean(root)
	full := ref
	if !filepath.IsAbs(full) {
		full = filepath.Join(rootClean, filepath.Clean("/"+strings.ReplaceAll(ref, "\\", "/")))
	}
	full = filepath.Clean(full)
	if full != rootClean && !strings.HasPrefix(full, rootClean+string(os.PathSeparator)) {
		return "", false
	}
	return full, true
}

// safePathPart accepts a value usable as a single path segment: no
// separators, not "." or "..".
func safePathPart(v string) bool {
	if v == "" || v == "." || v == ".." {
		return false
	}
	return !strings.ContainsAny(v, `/\`)
}

const dashboardHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width,initial-scale=1" />
  <title>RFP Builder</title>
  <style>
    body { font-family: ui-monospace, SFMono-Regular, Menlo, monospace; margin: 0; background: #f6f7f9; color: #1c1f24; }
    main { max-width: 840px; margin: 60px auto; background: #fff; border: 1px solid #d6dbe2; border-radius: 10px; padding: 24px; }
    h1 { margin: 0 0 12px 0; font-size: 18px; }
    table { width: 100%; border-collapse: collapse; font-size: 13px; }
    th, td { text-align: left; padding: 6px 8px; border-bottom: 1px solid #edf0f3; }
    .finalized { color: #1a7f37; }
    .failed { color: #b42318; }
    a { color: #30508c; }
  </style>
</head>
<body>
  <main>
    <h1>RFP Builder &mdash; runs</h1>
    <table id="runs"><tr><th>Run</th><th>State</th><th>Updated</th><th></th></tr></table>
  </main>
  <script>
    fetch('/v1/runs').then(r => r.json()).then(runs => {
      const t = document.getElementById('runs');
      for (const run of runs) {
        const row = t.insertRow();
        row.insertCell().textContent = run.id;
        const st = row.insertCell();
        st.textContent = run.state;
        st.className = run.state;
        row.insertCell().textContent = run.updated_at;
        row.insertCell().innerHTML =
          '<a href="/v1/runs/' + run.id + '">detail</a> ' +
          '<a href="/v1/runs/' + run.id + '/export">export</a>';
      }
    });
  </script>
</body>
</html>`
