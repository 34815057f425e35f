package api

import (
	"html/template"

	"github.com/can-bridge/internal/monitor"
	"github.com/can-bridge/internal/scheduler"
)

// pageData feeds the status page.
type pageData struct {
	Device  string
	Status  scheduler.Status
	Monitor *monitor.Snapshot
	Chart   []string
	Message string
}

var pageTemplate = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html><head><meta charset="UTF-8"><meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Device}}</title></head><body>
<h2>{{.Device}} File Server / CAN Transmission</h2>
<div style="background:#f0f0f0; padding:10px; border-radius:5px; margin-bottom:10px;">
{{- if .Status.File.Exists}}
File: {{.Status.File.Name}} ({{.Status.File.Size}} bytes)
{{- else}}
No file uploaded.
{{- end}}
{{- if .Status.Uploading}} Upload in progress.{{end}}
</div>
<form method="POST" action="/upload" enctype="multipart/form-data">
<input type="file" name="upload"><br><br>
<input type="submit" value="Upload">
</form>
<hr>
<button style="width:200px; height:50px;" onclick="fetch('/process').then(r=>r.text()).then(t=>alert(t))">Send file in 16-byte chunks</button>
{{- with .Status.LastRun}}
<p>Last run: {{.Message}}</p>
{{- end}}
<hr>
{{- if .Status.Config.Fields}}
<h3>Settings</h3>
<form method="POST" action="/save_config">
{{- range .Status.Config.Fields}}
<div>{{.Name}}{{if .Hex}} (hex){{end}}:<br><input type="text" name="{{.Name}}" value="{{.Value}}"></div>
{{- end}}
<input type="submit" value="Save settings">
</form>
{{- else}}
<p style="color:red;">Failed to load settings. Reset them to the defaults.</p>
{{- end}}
<hr>
<h3>Maintenance</h3>
<button onclick="if(confirm('Reset settings to defaults?')){location.href='/reset_config';}">Reset settings</button>
<hr>
<h3>Bus</h3>
<p>State: {{.Status.Bus.State}}{{with .Status.Bus.InstallError}} ({{.}}){{end}},
sent {{.Status.Bus.Transmitted}}, failed {{.Status.Bus.TxFailures}}, received {{.Status.Bus.Received}}</p>
{{- with .Monitor}}
<h3>Receive monitor {{.Heartbeat}}</h3>
<pre>
{{- range $.Chart}}
{{.}}
{{- end}}
</pre>
{{- end}}
</body></html>
`))
