package stats

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"
)

// CSVLogger periodically appends a row of c's counters to path, creating
// the file and writing a header row if it doesn't exist yet. path is
// passed through time.Now().Format on its filename component, so a path
// like "./stats-20060102.csv" rotates daily. Adapted from kcptun's
// std.SnmpLogger, generalized from the fixed kcp.DefaultSnmp global to an
// arbitrary *Counters.
func CSVLogger(path string, interval time.Duration, c *Counters) {
	if path == "" || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		logdir, logfile := filepath.Split(path)
		f, err := os.OpenFile(logdir+time.Now().Format(logfile), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		if err != nil {
			log.Println(err)
			return
		}
		w := csv.NewWriter(f)
		if stat, err := f.Stat(); err == nil && stat.Size() == 0 {
			if err := w.Write(append([]string{"Unix"}, c.Header()...)); err != nil {
				log.Println(err)
			}
		}
		if err := w.Write(append([]string{fmt.Sprint(time.Now().Unix())}, c.ToSlice()...)); err != nil {
			log.Println(err)
		}
		w.Flush()
		f.Close()
	}
}
