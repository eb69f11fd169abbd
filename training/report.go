package training

import (
	"bufio"
	"fmt"
	"os"
)

// WriteMetricsReport saves the computed metrics as a UTF-8 text report with
// four fixed sections: the raw confusion matrix, the row-normalized matrix,
// the accuracy, and the Jaccard score. The section headers and numeric
// formats are an external contract and must not change.
func WriteMetricsReport(path string, metrics *Metrics) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create metrics report: %v", err)
	}
	defer file.Close()

	w := bufio.NewWriter(file)

	fmt.Fprintf(w, "CONFUSION MATRIX: \n\n")
	for _, row := range metrics.ConfusionMatrix {
		for j, v := range row {
			if j > 0 {
				fmt.Fprint(w, " ")
			}
			fmt.Fprintf(w, "%d", v)
		}
		fmt.Fprint(w, "\n")
	}
	fmt.Fprint(w, "\n")

	fmt.Fprintf(w, "NORMALIZED CONFUSION MATRIX: \n\n")
	for _, row := range metrics.Normalized {
		for j, v := range row {
			if j > 0 {
				fmt.Fprint(w, " ")
			}
			fmt.Fprintf(w, "%.3f", v)
		}
		fmt.Fprint(w, "\n")
	}
	fmt.Fprint(w, "\n")

	fmt.Fprintf(w, "ACCURACY      : %.3f\n\n", metrics.Accuracy)
	fmt.Fprintf(w, "Jaccard Score : %.3f\n\n", metrics.JaccardScore)

	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to write metrics report: %v", err)
	}

	return nil
}
