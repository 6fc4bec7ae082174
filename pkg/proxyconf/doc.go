/*
Package proxyconf renders the nginx virtual-host configuration that fronts the
local services (chat UI, ingestion API, voice companion) with TLS.

For every name in the network identity the writer emits two server blocks:

	server { listen 80;  server_name 10.0.0.9; return 301 https://$host$request_uri; }
	server { listen 443 ssl; server_name 10.0.0.9; location / { proxy_pass ...; } }

Each location forwards Host, X-Real-IP, X-Forwarded-For/Proto/Host and
upgrades the connection (Upgrade/Connection headers, HTTP/1.1, buffering off)
so websocket and streaming endpoints used for realtime voice work.

Upstreams are static configuration. An upstream with Hostnames is only served
under those names; names that are not part of the identity are ignored with a
warning, so a rendered snapshot never references a name or address the
identity does not hold.

Render is pure. Write installs the snapshot via write-temp-then-rename; the
caller signals the proxy to reload.
*/
package proxyconf
