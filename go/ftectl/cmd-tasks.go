package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/assadsharif/fte/go/labels"
	"github.com/assadsharif/fte/go/score"
	"github.com/assadsharif/fte/go/task"
)

type cmdTasks struct {
	vaultOptions
	Folder string `long:"folder" description:"Only list one workflow folder"`
}

func (cmd cmdTasks) Execute(_ []string) error {
	c, err := cmd.openCore()
	if err != nil {
		return err
	}
	defer c.close()

	var folders = labels.TaskFolders()
	if cmd.Folder != "" {
		folders = []string{cmd.Folder}
	}
	var scorer = score.NewScorer(c.cfg.PriorityWeights,
		c.cfg.VIPSenders, c.cfg.ClientSenders, c.cfg.InternalDomains)
	var now = time.Now()

	var w = tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "FOLDER\tTASK\tPRIORITY\tSENDER\tSCORE")
	for _, folder := range folders {
		names, err := c.vault.List(folder)
		if err != nil {
			return err
		}
		for _, name := range names {
			t, err := task.Load(c.vault.PathOf(folder, name))
			if err != nil {
				log.WithFields(log.Fields{"file": name, "error": err}).
					Warn("skipping unreadable task file")
				continue
			}
			// Scores only mean something for tasks still waiting to be
			// claimed.
			var scored = "-"
			if folder == labels.NeedsAction {
				scored = fmt.Sprintf("%.1f", scorer.Score(t.Frontmatter, now))
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				folder, t.ID(), t.Frontmatter.Priority, t.Frontmatter.Sender, scored)
		}
	}
	return w.Flush()
}
