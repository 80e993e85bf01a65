package narrative

import (
	"fmt"
	"strings"

	"github.com/opensource-finance/clovershield/internal/domain"
)

const (
	systemEN = "You are a concise fraud-analytics assistant. " +
		"You receive the feature attributions and observed values behind one transaction's fraud score. " +
		"In 3 to 6 sentences, explain why the model assigned this probability, " +
		"say which factors raise or lower the risk and recommend block, review or allow."

	systemBN = "আপনি একজন সংক্ষিপ্ত প্রতারণা-বিশ্লেষণ সহকারী। " +
		"একটি লেনদেনের প্রতারণা স্কোরের পেছনের বৈশিষ্ট্য অবদান ও পর্যবেক্ষিত মান আপনাকে দেওয়া হবে। " +
		"৩ থেকে ৬ বাক্যে ব্যাখ্যা করুন মডেল কেন এই সম্ভাবনা দিয়েছে, কোন কারণ ঝুঁকি বাড়ায় বা কমায়, " +
		"এবং ব্লক, পর্যালোচনা বা অনুমোদনের সুপারিশ করুন। উত্তর বাংলায় লিখুন।"
)

// Prompt builds the system and user messages for language "en" or "bn".
// Unknown languages fall back to English.
func Prompt(language string, probability, blockThreshold float64, attrs []domain.Attribution) (system, user string) {
	if len(attrs) > MaxAttributions {
		attrs = attrs[:MaxAttributions]
	}
	var lines strings.Builder
	for _, a := range attrs {
		fmt.Fprintf(&lines, "- %s: value=%.6g, contribution=%.6g\n", a.Feature, a.Value, a.Contribution)
	}

	if language == "bn" {
		return systemBN, fmt.Sprintf(
			"মডেলের প্রতারণা সম্ভাবনা: %.4f\nব্লক করার সীমা: %.4f\nশীর্ষ অবদানকারী বৈশিষ্ট্য (বৈশিষ্ট্য: মান, অবদান):\n%s\nএখন সংক্ষিপ্ত ব্যাখ্যা লিখুন।",
			probability, blockThreshold, lines.String())
	}
	return systemEN, fmt.Sprintf(
		"Model fraud probability: %.4f\nBlocking threshold: %.4f\nTop contributing features (feature: value, contribution):\n%s\nWrite the short explanation now.",
		probability, blockThreshold, lines.String())
}
