package httpapi

import "net/http"

func (s *Server) handleDashboard(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(dashboardHTML))
}

const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>PageMirror</title>
<style>
  :root {
    --bg: #10141a;
    --panel: #1a202a;
    --text: #d8dee9;
    --muted: #7b8494;
    --accent: #5fa8d3;
    --warn: #e0a458;
    --bad: #d66a6a;
  }
  body { margin: 0; font-family: ui-monospace, "SF Mono", Menlo, monospace; background: var(--bg); color: var(--text); }
  header { padding: 14px 22px; border-bottom: 1px solid #2a3342; display: flex; align-items: baseline; gap: 14px; }
  header h1 { margin: 0; font-size: 17px; }
  #conn { font-size: 12px; color: var(--muted); }
  main { display: grid; grid-template-columns: 280px 1fr; gap: 16px; padding: 18px 22px; }
  section { background: var(--panel); border-radius: 8px; padding: 14px 16px; }
  h2 { margin: 0 0 10px; font-size: 13px; text-transform: uppercase; letter-spacing: 0.08em; color: var(--muted); }
  #state { font-size: 22px; }
  #state.synced { color: var(--accent); }
  #state.needs_sync, #state.local_only_pages { color: var(--warn); }
  #state.no_manifest { color: var(--bad); }
  ul { list-style: none; margin: 0; padding: 0; font-size: 13px; }
  li { padding: 4px 0; border-bottom: 1px solid #232c3a; }
  li:last-child { border-bottom: none; }
  .ts { color: var(--muted); margin-right: 8px; }
  .empty { color: var(--muted); font-size: 13px; }
</style>
</head>
<body>
<header>
  <h1>pagemirror</h1>
  <span id="conn">connecting&hellip;</span>
</header>
<main>
  <section>
    <h2>Sync state</h2>
    <div id="state">&mdash;</div>
  </section>
  <section>
    <h2>Differences</h2>
    <ul id="diffs"><li class="empty">waiting for updates</li></ul>
  </section>
  <section style="grid-column: 1 / -1">
    <h2>Events</h2>
    <ul id="events"><li class="empty">no events yet</li></ul>
  </section>
</main>
<script>
(function () {
  var conn = document.getElementById("conn");
  var state = document.getElementById("state");
  var diffs = document.getElementById("diffs");
  var events = document.getElementById("events");

  function renderStatus(status) {
    state.textContent = status.state || "unknown";
    state.className = status.state || "";
    diffs.innerHTML = "";
    var items = (status.differences || []).concat(status.localOnly || []);
    if (items.length === 0) {
      diffs.innerHTML = '<li class="empty">no differences</li>';
      return;
    }
    items.forEach(function (item) {
      var li = document.createElement("li");
      li.textContent = "#" + item.id + " " + (item.title || "") + (item.status ? " [" + item.status + "]" : " [local only]");
      diffs.appendChild(li);
    });
  }

  function logEvent(msg) {
    if (events.firstChild && events.firstChild.className === "empty") {
      events.innerHTML = "";
    }
    var li = document.createElement("li");
    var ts = document.createElement("span");
    ts.className = "ts";
    ts.textContent = new Date(msg.timestamp).toLocaleTimeString();
    li.appendChild(ts);
    li.appendChild(document.createTextNode(msg.type));
    events.insertBefore(li, events.firstChild);
    while (events.children.length > 50) {
      events.removeChild(events.lastChild);
    }
  }

  function connect() {
    var proto = location.protocol === "https:" ? "wss:" : "ws:";
    var ws = new WebSocket(proto + "//" + location.host + "/v1/ws");
    ws.onopen = function () { conn.textContent = "live"; };
    ws.onclose = function () {
      conn.textContent = "disconnected, retrying…";
      setTimeout(connect, 3000);
    };
    ws.onmessage = function (ev) {
      var msg = JSON.parse(ev.data);
      if (msg.type === "sync_status" && msg.data) {
        renderStatus(msg.data);
      }
      logEvent(msg);
    };
  }
  connect();
})();
</script>
</body>
</html>
`
