package dashboard

// HTML templates for the dashboard pages.
// These are embedded as strings and parsed at runtime.

const layoutTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>mirvm Dashboard</title>
    <script src="https://cdn.tailwindcss.com"></script>
    <style>
        ::-webkit-scrollbar { width: 8px; height: 8px; }
        ::-webkit-scrollbar-track { background: #1f2937; }
        ::-webkit-scrollbar-thumb { background: #4b5563; border-radius: 4px; }
        .mono { font-family: ui-monospace, SFMono-Regular, Menlo, Monaco, Consolas, monospace; }
        .data-preview { max-height: 200px; overflow-y: auto; word-break: break-all; }
    </style>
</head>
<body class="bg-gray-900 text-gray-100 min-h-screen">
    <nav class="bg-gray-800 border-b border-gray-700 sticky top-0 z-50">
        <div class="container mx-auto px-4">
            <div class="flex items-center justify-between h-16">
                <div class="flex items-center space-x-8">
                    <a href="/" class="text-xl font-bold text-white">mirvm</a>
                    <div class="hidden md:flex items-center space-x-4">
                        <a href="/" class="px-3 py-2 rounded-md text-sm font-medium {{if eq .PageName "home"}}bg-gray-900 text-white{{else}}text-gray-300 hover:bg-gray-700 hover:text-white{{end}}">Overview</a>
                        <a href="/items" class="px-3 py-2 rounded-md text-sm font-medium {{if eq .PageName "items"}}bg-gray-900 text-white{{else}}text-gray-300 hover:bg-gray-700 hover:text-white{{end}}">Items</a>
                    </div>
                </div>
                <span class="mono text-sm text-gray-400">{{.Fingerprint}}</span>
            </div>
        </div>
    </nav>
    <main class="container mx-auto px-4 py-8">
        {{.Content}}
    </main>
</body>
</html>`

const homeTemplate = `
<h1 class="text-2xl font-bold mb-6">Program</h1>
<div class="bg-gray-800 rounded-lg p-6 mb-6">
    <div class="text-sm text-gray-400">Fingerprint</div>
    <div class="mono text-lg break-all">{{.Fingerprint}}</div>
</div>
<div class="grid grid-cols-2 md:grid-cols-4 gap-4 mb-6">
    <div class="bg-gray-800 rounded-lg p-4"><div class="text-sm text-gray-400">Const items</div><div class="text-2xl font-bold">{{formatNumber .Consts}}</div></div>
    <div class="bg-gray-800 rounded-lg p-4"><div class="text-sm text-gray-400">Statics</div><div class="text-2xl font-bold">{{formatNumber .Statics}}</div></div>
    <div class="bg-gray-800 rounded-lg p-4"><div class="text-sm text-gray-400">Functions</div><div class="text-2xl font-bold">{{formatNumber .Functions}}</div></div>
    <div class="bg-gray-800 rounded-lg p-4"><div class="text-sm text-gray-400">Externs</div><div class="text-2xl font-bold">{{formatNumber .Externs}}</div></div>
</div>
<h2 class="text-xl font-semibold mb-4">Evaluator</h2>
<div class="grid grid-cols-2 md:grid-cols-5 gap-4 mb-6">
    <div class="bg-gray-800 rounded-lg p-4"><div class="text-sm text-gray-400">Cache hits</div><div class="text-xl font-bold">{{formatNumber .Stats.Hits}}</div></div>
    <div class="bg-gray-800 rounded-lg p-4"><div class="text-sm text-gray-400">Store hits</div><div class="text-xl font-bold">{{formatNumber .Stats.StoreHits}}</div></div>
    <div class="bg-gray-800 rounded-lg p-4"><div class="text-sm text-gray-400">Misses</div><div class="text-xl font-bold">{{formatNumber .Stats.Misses}}</div></div>
    <div class="bg-gray-800 rounded-lg p-4"><div class="text-sm text-gray-400">Failures</div><div class="text-xl font-bold">{{formatNumber .Stats.Failures}}</div></div>
    <div class="bg-gray-800 rounded-lg p-4"><div class="text-sm text-gray-400">Static runs</div><div class="text-xl font-bold">{{formatNumber .Stats.StaticRuns}}</div></div>
</div>
<h2 class="text-xl font-semibold mb-4">Process</h2>
<div class="grid grid-cols-3 gap-4">
    <div class="bg-gray-800 rounded-lg p-4"><div class="text-sm text-gray-400">Uptime</div><div class="text-xl font-bold">{{formatDuration .Uptime}}</div></div>
    <div class="bg-gray-800 rounded-lg p-4"><div class="text-sm text-gray-400">Memory</div><div class="text-xl font-bold">{{formatBytes .MemAlloc}}</div></div>
    <div class="bg-gray-800 rounded-lg p-4"><div class="text-sm text-gray-400">Goroutines</div><div class="text-xl font-bold">{{.Goroutines}}</div></div>
</div>`

const itemsTemplate = `
<h1 class="text-2xl font-bold mb-6">Items</h1>
<div class="grid md:grid-cols-2 gap-6">
    <div class="bg-gray-800 rounded-lg p-6">
        <h2 class="text-lg font-semibold mb-4">Const items</h2>
        {{if .Consts}}<ul class="mono text-sm space-y-1">
            {{range .Consts}}<li><a class="text-blue-400 hover:underline" href="/consts/{{.}}">{{.}}</a></li>{{end}}
        </ul>{{else}}<p class="text-gray-400">None</p>{{end}}
    </div>
    <div class="bg-gray-800 rounded-lg p-6">
        <h2 class="text-lg font-semibold mb-4">Statics</h2>
        {{if .Statics}}<table class="w-full text-sm mono">
            {{range .Statics}}<tr><td class="py-1">{{.Name}}</td><td class="text-gray-400">{{if .Mutable}}mut {{end}}{{.Type}}</td><td class="text-gray-500">{{if .Extern}}extern{{end}}</td></tr>{{end}}
        </table>{{else}}<p class="text-gray-400">None</p>{{end}}
    </div>
    <div class="bg-gray-800 rounded-lg p-6">
        <h2 class="text-lg font-semibold mb-4">Functions</h2>
        {{if .Functions}}<ul class="mono text-sm space-y-1">
            {{range .Functions}}<li><a class="text-blue-400 hover:underline" href="/functions/{{.Name}}">{{.Name}}</a><span class="text-gray-400">({{join .Args ", "}}) -> {{.Return}}</span></li>{{end}}
        </ul>{{else}}<p class="text-gray-400">None</p>{{end}}
    </div>
    <div class="bg-gray-800 rounded-lg p-6">
        <h2 class="text-lg font-semibold mb-4">Externs</h2>
        {{if .Externs}}<ul class="mono text-sm space-y-1">
            {{range .Externs}}<li>{{.}}</li>{{end}}
        </ul>{{else}}<p class="text-gray-400">None</p>{{end}}
    </div>
</div>`

const constTemplate = `
<h1 class="text-2xl font-bold mb-6 mono">const {{.Name}}</h1>
{{if .Error}}
<div class="bg-red-900/40 border border-red-700 rounded-lg p-6">
    {{if .ErrorKind}}<div class="text-sm text-red-300 mb-2">{{.ErrorKind}}</div>{{end}}
    <div class="mono">{{.Error}}</div>
    {{if .Backtrace}}<ul class="mono text-sm text-gray-300 mt-4 space-y-1">
        {{range .Backtrace}}<li>at {{.}}</li>{{end}}
    </ul>{{end}}
</div>
{{else}}
<div class="bg-gray-800 rounded-lg p-6 space-y-4">
    <div><div class="text-sm text-gray-400">Type</div><div class="mono">{{.Type}}</div></div>
    <div><div class="text-sm text-gray-400">Value</div><div class="mono data-preview">{{.Display}}</div></div>
    {{if .Bytes}}<div><div class="text-sm text-gray-400">Bytes{{if .Relocs}} ({{.Relocs}} relocations){{end}}</div><div class="mono text-sm data-preview">{{.Bytes}}</div></div>{{end}}
    <div class="text-sm text-gray-500">Evaluated in {{.Duration}}</div>
</div>
{{end}}`

const functionTemplate = `
<h1 class="text-2xl font-bold mb-6 mono">fn {{.Name}}({{join .Args ", "}}) -> {{.Return}}</h1>
<div class="grid grid-cols-2 gap-4">
    <div class="bg-gray-800 rounded-lg p-4"><div class="text-sm text-gray-400">Locals</div><div class="text-2xl font-bold">{{.Locals}}</div></div>
    <div class="bg-gray-800 rounded-lg p-4"><div class="text-sm text-gray-400">Basic blocks</div><div class="text-2xl font-bold">{{.Blocks}}</div></div>
</div>`
