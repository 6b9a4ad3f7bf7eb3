package server

// indexHTML is the single-page control surface
const indexHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Interview Capture</title>
    <link rel="stylesheet" href="https://cdn.jsdelivr.net/npm/@picocss/pico@2/css/pico.min.css">
</head>
<body>
<main class="container">
    <h1>Interview Capture</h1>
    <article>
        <header id="question">No interview started</header>
        <img id="frame" alt="camera" width="320" height="240">
        <p><strong id="timer">00:00</strong> <span id="status"></span></p>
        <p id="warning" style="color:#c62828"></p>
        <footer>
            <button onclick="call('/api/session')">Start interview</button>
            <button onclick="call('/api/recording/start')">Record</button>
            <button onclick="call('/api/recording/stop')">Stop</button>
            <button onclick="call('/api/next')">Next</button>
            <button class="secondary" onclick="call('/api/face-check')">Check face</button>
        </footer>
    </article>
    <pre id="log"></pre>
</main>
<script>
async function call(path) {
    const res = await fetch(path, {method: 'POST'});
    const body = await res.json();
    if (!body.success) { log('error: ' + body.error); }
    refresh();
}
function log(line) {
    const el = document.getElementById('log');
    el.textContent = line + '\n' + el.textContent;
}
async function refresh() {
    const st = await (await fetch('/status')).json();
    const c = st.controller;
    document.getElementById('timer').textContent = c.elapsed;
    document.getElementById('status').textContent = st.message || st.status;
    document.getElementById('warning').textContent = c.presence.active ?
        'Multiple faces detected (' + c.presence.face_count + '). Please make sure you are alone.' : '';
    if (c.session) {
        document.getElementById('question').textContent = c.session.completed ? 'Interview completed!' :
            'Question ' + (c.session.index + 1) + ' of ' + c.session.question_count + ': ' + c.session.question_text;
    }
}
const ws = new WebSocket((location.protocol === 'https:' ? 'wss://' : 'ws://') + location.host + '/api/events');
ws.onmessage = (m) => {
    const e = JSON.parse(m.data);
    if (e.kind !== 'recording_tick' && e.kind !== 'presence_checked') { log(e.kind + (e.message ? ': ' + e.message : '')); }
    refresh();
};
setInterval(() => { document.getElementById('frame').src = '/api/frame.jpg?t=' + Date.now(); }, 500);
refresh();
</script>
</body>
</html>`
