package flowtable

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/xlab/tablewriter"
)

// Dump renders every active record in t as a human-readable table, in the
// style of gpctl's status output. It is meant for debug endpoints and local
// troubleshooting, not for machine consumption (use MarshalJSON for that).
func Dump(w io.Writer, t *Table) {
	table := tablewriter.CreateTable()
	table.AddRow("FINGERPRINT", "FIRST SEEN", "LAST SEEN", "PKTS SENT", "PKTS RCVD", "BYTES SENT", "BYTES RCVD", "TCP FLAGS")

	for _, shard := range t.Shards() {
		shard.Walk(func(r *Record) {
			table.AddRow(
				r.Fingerprint.String(),
				r.FirstSeen.Format(time.RFC3339),
				r.LastSeen.Format(time.RFC3339),
				formatCount(r.PacketsSent),
				formatCount(r.PacketsRcvd),
				formatCount(r.BytesSent),
				formatCount(r.BytesRcvd),
				formatTCPFlags(r.TCPFlagsSent|r.TCPFlagsRcvd),
			)
		})
	}

	table.SetAlign(tablewriter.AlignRight, 4)
	table.SetAlign(tablewriter.AlignRight, 5)
	table.SetAlign(tablewriter.AlignRight, 6)
	table.SetAlign(tablewriter.AlignRight, 7)

	fmt.Fprintln(w, table.Render())
}

func formatCount(n uint64) string {
	return strconv.FormatUint(n, 10)
}

func formatTCPFlags(flags uint8) string {
	if flags == 0 {
		return "-"
	}
	const names = "FSRPAU"
	var out []byte
	for i := 0; i < 6; i++ {
		if flags&(1<<uint(i)) != 0 {
			out = append(out, names[i])
		}
	}
	if len(out) == 0 {
		return "-"
	}
	return string(out)
}
