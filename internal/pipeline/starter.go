package pipeline

import (
	"fmt"
	"os"
)

// starterDocument is written by `init` for a new target
const starterDocument = `version: "1"
concurrency: 2

vars:
  WORDLIST: "/usr/share/wordlists/dirb/common.txt"

env:
  NO_COLOR: "1"

pipeline:
  - name: subdomains
    desc: Passive subdomain enumeration
    cmd: subfinder -silent -d {TARGET} -o {OUTPUTS}/recon/subdomains.txt
    timeout: 30m

  - name: probe
    desc: Probe live HTTP services
    cmd: httpx -silent -json -l {OUTPUTS}/recon/subdomains.txt -o {OUTPUTS}/web/httpx.jsonl
    needs: [subdomains]
    timeout: 30m

  - name: crawl
    desc: Collect endpoints from live hosts
    cmd: katana -silent -list {OUTPUTS}/web/httpx.jsonl -o {OUTPUTS}/endpoints/katana.txt
    needs: [probe]
    timeout: 1h

  - name: scan
    desc: Template-based vulnerability scan
    cmd: nuclei -silent -jsonl -l {OUTPUTS}/web/httpx.jsonl -o {OUTPUTS}/scans/nuclei.jsonl
    needs: [probe]
    timeout: 2h

  - name: summarize
    desc: Run heuristics and write reports
    kind: internal:summarize
    needs: [crawl, scan]

  - name: notify
    desc: Send the summary
    kind: internal:notify
    needs: [summarize]
    optional: true
`

// WriteStarter creates the target layout and a starter pipeline file.
// An existing pipeline is only replaced when force is set.
func WriteStarter(l Layout, force bool) error {
	if err := ValidateTarget(l.Target); err != nil {
		return err
	}
	if l.Exists() && !force {
		return fmt.Errorf("target %s already initialized at %s", l.Target, l.Dir())
	}
	if err := l.Ensure(); err != nil {
		return err
	}
	return os.WriteFile(l.PipelinePath(), []byte(starterDocument), 0o644)
}
