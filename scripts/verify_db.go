package main

import (
	"fmt"
	"log"

	"github.com/glebarez/sqlite"
	"github.com/wwwzy/DeskAgent/internal/storage"
	"gorm.io/gorm"
)

func main() {
	// Connect to the database
	db, err := gorm.Open(sqlite.Open("deskagent.db"), &gorm.Config{})
	if err != nil {
		log.Fatalf("failed to connect database: %v", err)
	}

	fmt.Println("--- Verifying DeskAgent Database ---")

	// Verify TurnMetrics
	var metricsCount int64
	// We need to verify if the table exists first to avoid panic if migration didn't run
	if !db.Migrator().HasTable(&storage.TurnMetric{}) {
		fmt.Println("Table 'turn_metrics' does not exist yet.")
	} else {
		db.Model(&storage.TurnMetric{}).Count(&metricsCount)
		fmt.Printf("Total Turn Metric Records: %d\n", metricsCount)

		if metricsCount > 0 {
			var metrics []storage.TurnMetric
			db.Order("created_at desc").Limit(5).Find(&metrics)
			fmt.Println("Latest 5 Turns (Local Time):")
			for _, m := range metrics {
				fmt.Printf("  [%s] %s tool=%s verdict=%s %dms fail=%q\n",
					m.CreatedAt.Local().Format("2006-01-02 15:04:05"), m.ConversationID, m.ToolName, m.Verdict, m.DurationMS, m.FailureClass)
			}
		}
	}

	// Verify AuditRecords
	var auditCount int64
	if !db.Migrator().HasTable(&storage.AuditRecord{}) {
		fmt.Println("Table 'audit_records' does not exist yet.")
	} else {
		db.Model(&storage.AuditRecord{}).Count(&auditCount)
		fmt.Printf("Total Audit Records: %d\n", auditCount)

		if auditCount > 0 {
			var records []storage.AuditRecord
			db.Order("created_at desc").Limit(5).Find(&records)
			fmt.Println("Latest 5 Audit Records:")
			for _, r := range records {
				fmt.Printf("  [%s] %s actor=%s verdict=%s status=%s\n",
					r.CreatedAt.Local().Format("2006-01-02 15:04:05"), r.Action, r.Actor, r.Verdict, r.Status)
			}
		}
	}

	// Verify ConversationStates
	var stateCount int64
	if !db.Migrator().HasTable(&storage.ConversationState{}) {
		fmt.Println("Table 'conversation_states' does not exist yet.")
	} else {
		db.Model(&storage.ConversationState{}).Count(&stateCount)
		fmt.Printf("Total Conversation States: %d\n", stateCount)
	}

	fmt.Println("--- Verification Complete ---")
}
