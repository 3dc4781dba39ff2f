// Package jobs реализует Job Manager.
//
// Manager допускает запуски pipeline, соблюдая правило «не более одного
// нефинального job на ключ pipeline», выполняет каждый job в своей
// горутине через pipeline.Run и отвечает на запросы истории и логов.
//
// Допуск:
//  1. Разрешение плагинов и подключения в реестре.
//  2. Атомарная проверка и занятие ключа под мьютексом менеджера.
//  3. Сохранение job в repo.JobStore.
//  4. Запуск pipeline.Run; ключ освобождается после финального состояния.
//
// Каждый переход записывается в хранилище и, если задан publisher,
// публикуется в RabbitMQ. Start переводит осиротевшие после падения
// процесса jobs в FAILED и запускает очистку истории по политике хранения.
package jobs
