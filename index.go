package main

import "net/http"

const indexHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width,initial-scale=1">
<title>Canvas Sync</title>
<meta name="description" content="Real-time collaboration service for the Inkwell canvas">
<style>
*{margin:0;padding:0;box-sizing:border-box}
:root{--bg:#191919;--fg:#e5e5e5;--muted:#737373;--accent:#3B82F6}
body{
font-family:system-ui,-apple-system,BlinkMacSystemFont,'Segoe UI',Roboto,Helvetica,Arial,sans-serif;
background:var(--bg);color:var(--fg);min-height:100vh;
display:flex;align-items:center;justify-content:center;padding:24px;
}
.container{max-width:420px;text-align:center;display:flex;flex-direction:column;gap:16px}
h1{font-size:18px;font-weight:600;letter-spacing:-0.01em}
h1 span{color:var(--accent)}
p{font-size:12px;color:var(--muted);line-height:1.6}
code{font-size:11px;color:var(--fg);background:#242424;border-radius:4px;padding:2px 6px}
</style>
</head>
<body>
<div class="container">
<h1>Canvas <span>Sync</span></h1>
<p>Real-time collaboration relay for the Inkwell canvas. Connect a client at
<code>/api/canvas/sync/{roomId}?token=&hellip;</code>. Operational endpoints:
<code>/health</code> and <code>/metrics</code>.</p>
</div>
</body>
</html>`

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(indexHTML))
}
