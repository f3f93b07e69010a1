// Package pg предоставляет инфраструктуру PostgreSQL для журнала исходов:
// пулы pgx, транзакции с повтором при конфликтах сериализации, ожидание
// готовности БД и встроенные миграции.
package pg
